//go:build !windows

package daemon

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// dropPrivileges switches the process to runAs's uid/gid after all
// listeners are bound (spec.md §4.7 step 4, §9 "Privilege drop" open
// question resolved as a run_as config field). A blank runAs is a no-op.
func dropPrivileges(runAs string) error {
	if runAs == "" {
		return nil
	}

	u, err := user.Lookup(runAs)
	if err != nil {
		return fmt.Errorf("daemon: look up run_as user %q: %w", runAs, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("daemon: parse uid for %q: %w", runAs, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("daemon: parse gid for %q: %w", runAs, err)
	}

	// Group first: dropping the uid first would remove permission to call
	// Setgid.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("daemon: setgid(%d): %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("daemon: setuid(%d): %w", uid, err)
	}
	return nil
}
