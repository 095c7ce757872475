// Copyright 2024-2026 Aiku AI

//go:build unix

package wechat

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func processAlive(pid uint32) (bool, error) {
	err := unix.Kill(int(pid), 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("failed to probe process %d: %w", pid, err)
	}
}

func killProcess(pid uint32) error {
	if err := unix.Kill(int(pid), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
