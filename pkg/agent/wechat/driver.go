// Copyright 2024-2026 Aiku AI

package wechat

import "errors"

// ErrDriverUnavailable is returned by the native driver on platforms where
// it cannot be loaded.
var ErrDriverUnavailable = errors.New("wechat driver is not available on this platform")

// DefaultDriverPath is the native injection library loaded by [NewDLLDriver].
const DefaultDriverPath = "wxDriver64.dll"

// Driver launches WeChat processes and injects the hook into them.
type Driver interface {
	// NewInstance starts a WeChat process and returns its pid.
	NewInstance() (uint32, error)
	// StartListen makes the hook in pid serve the control API on port.
	StartListen(pid uint32, port int) error
	// StopListen shuts the control API down.
	StopListen() error
}

// Processes inspects and terminates WeChat processes.
type Processes interface {
	Alive(pid uint32) (bool, error)
	Kill(pid uint32) error
}

// OSProcesses implements [Processes] with the operating system's process
// table.
type OSProcesses struct{}

var _ Processes = OSProcesses{}

func (OSProcesses) Alive(pid uint32) (bool, error) {
	return processAlive(pid)
}

func (OSProcesses) Kill(pid uint32) error {
	return killProcess(pid)
}
