package proc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

// fakeProc builds a proc tree where pid owns a socket with inode.
func fakeProc(t *testing.T, table, lines string, pid, inode string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", table), []byte(tcpHeader+lines), 0o600))

	fdDir := filepath.Join(root, pid, "fd")
	require.NoError(t, os.MkdirAll(fdDir, 0o755))
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(fdDir, "0")))
	require.NoError(t, os.Symlink("socket:["+inode+"]", filepath.Join(fdDir, "3")))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	return root
}

func TestPIDByPort(t *testing.T) {
	// 0x1F90 = 8080, listening; 0x0050 = 80, established.
	lines := "   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 4242 1 0 100 0 0 10 0\n" +
		"   1: 0100007F:0050 0100007F:D431 01 00000000:00000000 00:00000000 00000000  1000        0 9999 1 0 100 0 0 10 0\n"
	root := fakeProc(t, "tcp", lines, "321", "4242")

	pid, err := NewAt(root).PIDByPort(8080)
	require.NoError(t, err)
	assert.Equal(t, 321, pid)

	_, err = NewAt(root).PIDByPort(80)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPIDByPortIPv6(t *testing.T) {
	lines := "   0: 00000000000000000000000000000000:1F90 00000000000000000000000000000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 777 1 0 100 0 0 10 0\n"
	root := fakeProc(t, "tcp6", lines, "55", "777")

	pid, err := NewAt(root).PIDByPort(8080)
	require.NoError(t, err)
	assert.Equal(t, 55, pid)
}

func TestPIDByPortSocketWithoutOwner(t *testing.T) {
	lines := "   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 4242 1 0 100 0 0 10 0\n"
	root := fakeProc(t, "tcp", lines, "321", "1")

	_, err := NewAt(root).PIDByPort(8080)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPIDs(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"10", "2", "self", "sys"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "5"), nil, 0o600))

	pids, err := NewAt(root).PIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, pids)
}

func TestPIDByNameNotFound(t *testing.T) {
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("no procfs")
	}
	_, err := PIDByName(context.Background(), "coral-trace-no-such-process")
	assert.ErrorIs(t, err, ErrNotFound)
}
