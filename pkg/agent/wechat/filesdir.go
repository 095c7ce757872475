// Copyright 2024-2026 Aiku AI

package wechat

import (
	"fmt"
	"os"
	"path/filepath"
)

const filesDirName = "WeChat Files"

// DefaultFilesDir returns the directory WeChat keeps received files and
// videos in. A save location configured in WeChat itself wins over the
// user's Documents folder.
func DefaultFilesDir() (string, error) {
	if dir, ok := configuredSaveDir(); ok {
		return filepath.Join(dir, filesDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, "Documents", filesDirName), nil
}
