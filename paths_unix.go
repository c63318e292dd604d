//go:build !windows

package qcert

import (
	"os"
	"path/filepath"
)

func defaultUserRoot(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName, "stores"), nil
}

func defaultMachineRoot(appName string) string {
	return filepath.Join("/var/lib", appName, "machine")
}
