// Copyright 2024-2026 Aiku AI

//go:build !windows

package wechat

func configuredSaveDir() (string, bool) {
	return "", false
}
