// Copyright 2024-2026 Aiku AI

//go:build !windows

package wechat

// DLLDriver is unavailable outside Windows; every call fails with
// [ErrDriverUnavailable].
type DLLDriver struct {
	path string
}

var _ Driver = (*DLLDriver)(nil)

// NewDLLDriver returns a driver that always fails on this platform.
func NewDLLDriver(path string) *DLLDriver {
	if path == "" {
		path = DefaultDriverPath
	}
	return &DLLDriver{path: path}
}

func (d *DLLDriver) NewInstance() (uint32, error) {
	return 0, ErrDriverUnavailable
}

func (d *DLLDriver) StartListen(uint32, int) error {
	return ErrDriverUnavailable
}

func (d *DLLDriver) StopListen() error {
	return ErrDriverUnavailable
}
