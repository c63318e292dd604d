//go:build !unix

package qstore

import (
	"fmt"
	"os"
)

// checkWriteAccess reports whether the process may create files in dir by
// creating and removing a temporary file. Windows ACLs are not reflected in the
// mode bits.
func checkWriteAccess(dir string) error {
	f, err := os.CreateTemp(dir, ".access-*")
	if err != nil {
		return fmt.Errorf("no write access to %s: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}
