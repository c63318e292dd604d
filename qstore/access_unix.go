//go:build unix

package qstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkWriteAccess reports whether the process may create files in dir.
func checkWriteAccess(dir string) error {
	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("no write access to %s: %w", dir, err)
	}
	return nil
}
