// Copyright 2024-2026 Aiku AI

package agent

import "errors"

var (
	// ErrNotFound is returned when no live session matches an owner or pid.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidPayload is returned when a command carries data that does
	// not fit the command.
	ErrInvalidPayload = errors.New("invalid command payload")
	// ErrUnsupportedCommand is returned for command kinds the agent does not
	// handle.
	ErrUnsupportedCommand = errors.New("unsupported command")
)
