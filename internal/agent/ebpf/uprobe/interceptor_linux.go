//go:build linux

package uprobe

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracer/internal/agent/debug"
	"github.com/coral-mesh/tracer/internal/agent/intercept"
)

// Config contains interceptor configuration.
type Config struct {
	// PID of the traced process.
	PID int
	// Modules maps runtime addresses of PID to module files.
	Modules *debug.Modules
	// RingSize is the ring buffer size in bytes, a power of two multiple of
	// the page size. Zero means DefaultRingSize.
	RingSize uint32
	Logger   zerolog.Logger
}

// Interceptor hooks native functions of one process with uprobes.
type Interceptor struct {
	cfg    Config
	logger zerolog.Logger

	objs       *objects
	reader     *ringbuf.Reader
	dispatcher *dispatcher

	mu          sync.Mutex
	executables map[string]*link.Executable
	links       map[uint64][]link.Link
	nextCookie  uint64
	closed      bool

	done chan struct{}
}

// New loads the probe programs and starts the event reader.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Modules == nil {
		return nil, fmt.Errorf("module map is required")
	}
	logger := cfg.Logger.With().Str("component", "uprobe").Int("pid", cfg.PID).Logger()

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	objs, err := loadObjects(cfg.RingSize)
	if err != nil {
		return nil, err
	}
	reader, err := ringbuf.NewReader(objs.events)
	if err != nil {
		objs.Close() // nolint:errcheck
		return nil, fmt.Errorf("create ringbuf reader: %w", err)
	}

	ic := &Interceptor{
		cfg:         cfg,
		logger:      logger,
		objs:        objs,
		reader:      reader,
		dispatcher:  newDispatcher(logger),
		executables: make(map[string]*link.Executable),
		links:       make(map[uint64][]link.Link),
		done:        make(chan struct{}),
	}
	go ic.readEvents()

	logger.Info().Msg("Uprobe interceptor started")
	return ic, nil
}

// Attach hooks address with an entry uprobe and a uretprobe.
func (ic *Interceptor) Attach(address uint64, l intercept.Listener) error {
	mod, offset, err := ic.cfg.Modules.FileOffset(address)
	if err != nil {
		return fmt.Errorf("%v: %w", err, intercept.ErrNotHookable)
	}
	if err := checkPrologue(mod.Path, offset, runtime.GOARCH); err != nil {
		return err
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.closed {
		return fmt.Errorf("interceptor closed")
	}

	exe, err := ic.executable(mod.Path)
	if err != nil {
		return err
	}

	ic.nextCookie++
	cookie := ic.nextCookie
	opts := &link.UprobeOptions{Address: offset, PID: ic.cfg.PID, Cookie: cookie}

	// Register before attaching so no early event is dropped.
	ic.dispatcher.register(cookie, &hook{address: address, listener: l})

	entry, err := exe.Uprobe("", ic.objs.enter, opts)
	if err != nil {
		ic.dispatcher.unregister(cookie)
		return fmt.Errorf("attach uprobe entry: %w", err)
	}
	ret, err := exe.Uretprobe("", ic.objs.leave, opts)
	if err != nil {
		entry.Close() // nolint:errcheck
		ic.dispatcher.unregister(cookie)
		return fmt.Errorf("attach uretprobe exit: %w", err)
	}
	ic.links[cookie] = []link.Link{entry, ret}

	ic.logger.Debug().
		Str("module", mod.Name).
		Uint64("address", address).
		Uint64("offset", offset).
		Uint64("cookie", cookie).
		Msg("Attached uprobe")
	return nil
}

func (ic *Interceptor) executable(path string) (*link.Executable, error) {
	if exe, ok := ic.executables[path]; ok {
		return exe, nil
	}
	exe, err := link.OpenExecutable(path)
	if err != nil {
		return nil, fmt.Errorf("open executable (path=%s): %w", path, err)
	}
	ic.executables[path] = exe
	return exe, nil
}

func (ic *Interceptor) readEvents() {
	defer close(ic.done)

	for {
		record, err := ic.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrClosed) {
				ic.logger.Debug().Msg("Ring buffer closed, exiting event reader")
				return
			}
			ic.logger.Error().Err(err).Msg("Failed to read event from ring buffer")
			continue
		}

		e, err := decodeEvent(record.RawSample)
		if err != nil {
			ic.logger.Error().Err(err).Msg("Failed to parse event")
			continue
		}
		ic.dispatcher.dispatch(e)
	}
}

// Close detaches every hook and releases the kernel objects.
func (ic *Interceptor) Close() error {
	ic.mu.Lock()
	if ic.closed {
		ic.mu.Unlock()
		return nil
	}
	ic.closed = true
	links := ic.links
	ic.links = nil
	ic.mu.Unlock()

	var errs []error
	for cookie, ls := range links {
		for _, l := range ls {
			if err := l.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close link %d: %w", cookie, err))
			}
		}
	}
	if err := ic.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	<-ic.done
	if err := ic.objs.Close(); err != nil {
		errs = append(errs, err)
	}

	ic.logger.Info().Int("hooks", len(links)).Msg("Uprobe interceptor stopped")
	return errors.Join(errs...)
}
