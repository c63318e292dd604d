//go:build windows

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
	programData := os.Getenv("PROGRAMDATA")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, appName, "machine")
}
