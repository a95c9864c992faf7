// Package privilege detects who invoked the tracer. Hooking needs root, so
// the tracer usually runs under sudo while its configuration lives in the
// invoking user's home.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// UserContext is the identity of the user who started the tracer.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// lookupUser is replaced in tests.
var lookupUser = user.Lookup

// DetectOriginalUser returns the user behind sudo, from SUDO_USER, SUDO_UID
// and SUDO_GID, or the current user when not running under sudo.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return currentUser()
	}

	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := lookupUser(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}
	return &UserContext{Username: sudoUser, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}

func currentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &UserContext{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// HomeDir returns the home directory of the original user, falling back to
// os.UserHomeDir.
func HomeDir() (string, error) {
	if u, err := DetectOriginalUser(); err == nil && u.HomeDir != "" {
		return u.HomeDir, nil
	}
	return os.UserHomeDir()
}

// IsRoot reports whether the process runs with euid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo reports whether SUDO_USER is set.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}
