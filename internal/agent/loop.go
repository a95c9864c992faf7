package agent

import "sync"

// loop runs the agent's control logic one job at a time on a single
// goroutine. Jobs may be posted from any thread and never block the poster.
type loop struct {
	mu      sync.Mutex
	jobs    []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn. Jobs posted after stop are dropped.
func (l *loop) post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.jobs = append(l.jobs, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		jobs := l.jobs
		l.jobs = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, job := range jobs {
			job()
		}
		if stopped && len(jobs) == 0 {
			return
		}
		if len(jobs) == 0 {
			<-l.wake
		}
	}
}

// stop runs the queued jobs, then ends the loop and waits for it.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
