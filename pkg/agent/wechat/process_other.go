// Copyright 2024-2026 Aiku AI

//go:build !unix && !windows

package wechat

func processAlive(uint32) (bool, error) {
	return false, ErrDriverUnavailable
}

func killProcess(uint32) error {
	return ErrDriverUnavailable
}
