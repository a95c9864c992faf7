// Package proc locates the process to trace from the /proc filesystem, by
// listening port or by name.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned when no process matches.
var ErrNotFound = errors.New("no matching process")

// tcpListen is the st column value of a listening socket.
const tcpListen = "0A"

// FS reads process information below a /proc mount.
type FS struct {
	root string
}

// New returns an FS rooted at /proc.
func New() FS {
	return FS{root: "/proc"}
}

// NewAt returns an FS rooted at root.
func NewAt(root string) FS {
	return FS{root: root}
}

// PIDByPort returns the process listening on TCP port, IPv4 or IPv6.
func (p FS) PIDByPort(port int) (int, error) {
	inode, err := p.socketInode(port, "tcp")
	if err != nil {
		return 0, err
	}
	if inode == "" {
		if inode, err = p.socketInode(port, "tcp6"); err != nil {
			return 0, err
		}
	}
	if inode == "" {
		return 0, fmt.Errorf("port %d: %w", port, ErrNotFound)
	}
	return p.pidByInode(port, inode)
}

// socketInode returns the inode of the listening socket on port, or "".
func (p FS) socketInode(port int, table string) (string, error) {
	f, err := os.Open(filepath.Join(p.root, "net", table)) // #nosec G304: path below the proc root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close() // nolint:errcheck

	want := fmt.Sprintf("%04X", port)
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		// sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		_, hexPort, ok := strings.Cut(fields[1], ":")
		if !ok || hexPort != want || fields[3] != tcpListen {
			continue
		}
		return fields[9], nil
	}
	return "", scanner.Err()
}

// pidByInode scans every fd directory for a link to the socket inode.
// Unreadable directories are skipped.
func (p FS) pidByInode(port int, inode string) (int, error) {
	socketLink := "socket:[" + inode + "]"

	pids, err := p.PIDs()
	if err != nil {
		return 0, err
	}
	for _, pid := range pids {
		fdDir := filepath.Join(p.root, strconv.Itoa(pid), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if fd.Type()&fs.ModeSymlink == 0 {
				continue
			}
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err == nil && link == socketLink {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("owner of port %d: %w", port, ErrNotFound)
}

// PIDs lists the running process ids in ascending order.
func (p FS) PIDs() ([]int, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.root, err)
	}

	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if pid, err := strconv.Atoi(entry.Name()); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// PIDByName returns the only process whose name or executable base name is
// name. Several matches are an error listing them.
func PIDByName(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var matches []int
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		if matchesName(ctx, proc, name) {
			matches = append(matches, int(proc.Pid))
		}
	}

	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("process %q: %w", name, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return 0, fmt.Errorf("process name %q is ambiguous, matching pids %v", name, matches)
	}
}

func matchesName(ctx context.Context, proc *process.Process, name string) bool {
	if n, err := proc.NameWithContext(ctx); err == nil && n == name {
		return true
	}
	exe, err := proc.ExeWithContext(ctx)
	return err == nil && filepath.Base(exe) == name
}
