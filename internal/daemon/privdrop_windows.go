//go:build windows

package daemon

import "fmt"

// dropPrivileges has no Windows equivalent to POSIX setuid/setgid; a
// configured run_as is treated as a configuration error rather than
// silently ignored.
func dropPrivileges(runAs string) error {
	if runAs == "" {
		return nil
	}
	return fmt.Errorf("daemon: run_as is not supported on windows")
}
