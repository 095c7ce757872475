// Copyright 2024-2026 Aiku AI

package wechat

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wire"
)

// ErrMismatchedPayload is returned when a message type is sent with data of
// the wrong shape.
var ErrMismatchedPayload = errors.New("message type and data are mismatched")

// SaveBlob writes blob under dir and returns the full path. Unnamed blobs
// are named after the uppercase hex MD5 of their content.
func SaveBlob(dir string, blob *wire.Blob) (string, error) {
	name := filepath.Base(blob.Name)
	if blob.Name == "" || name == "." || name == string(filepath.Separator) {
		sum := md5.Sum(blob.Binary)
		name = strings.ToUpper(hex.EncodeToString(sum[:]))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create save directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, blob.Binary, 0o644); err != nil {
		return "", fmt.Errorf("failed to save blob: %w", err)
	}
	return path, nil
}
