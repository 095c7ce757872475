// Copyright 2024-2026 Aiku AI

//go:build windows

package wechat

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// DLLDriver calls the exported functions of the native injection library.
type DLLDriver struct {
	dll         *windows.LazyDLL
	newWechat   *windows.LazyProc
	startListen *windows.LazyProc
	stopListen  *windows.LazyProc
}

var _ Driver = (*DLLDriver)(nil)

// NewDLLDriver returns a driver backed by the library at path. The library
// is loaded on first use.
func NewDLLDriver(path string) *DLLDriver {
	if path == "" {
		path = DefaultDriverPath
	}
	dll := windows.NewLazyDLL(path)
	return &DLLDriver{
		dll:         dll,
		newWechat:   dll.NewProc("new_wechat"),
		startListen: dll.NewProc("start_listen"),
		stopListen:  dll.NewProc("stop_listen"),
	}
}

func (d *DLLDriver) NewInstance() (uint32, error) {
	if err := d.newWechat.Find(); err != nil {
		return 0, fmt.Errorf("failed to load new_wechat from %s: %w", d.dll.Name, err)
	}
	r1, _, _ := d.newWechat.Call()
	pid := uint32(r1)
	if pid == 0 {
		return 0, fmt.Errorf("new_wechat returned no pid")
	}
	return pid, nil
}

func (d *DLLDriver) StartListen(pid uint32, port int) error {
	if err := d.startListen.Find(); err != nil {
		return fmt.Errorf("failed to load start_listen from %s: %w", d.dll.Name, err)
	}
	r1, _, _ := d.startListen.Call(uintptr(pid), uintptr(port))
	if int32(r1) == 0 {
		return fmt.Errorf("start_listen on port %d failed for pid %d", port, pid)
	}
	return nil
}

func (d *DLLDriver) StopListen() error {
	if err := d.stopListen.Find(); err != nil {
		return fmt.Errorf("failed to load stop_listen from %s: %w", d.dll.Name, err)
	}
	r1, _, _ := d.stopListen.Call()
	if int32(r1) != 1 {
		return fmt.Errorf("stop_listen returned %d", int32(r1))
	}
	return nil
}
