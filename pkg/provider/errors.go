package provider

import "errors"

var (
	ErrNotReady     = errors.New("provider: not ready")
	ErrBodyNotFound = errors.New("provider: task body not found")
	ErrClosed       = errors.New("provider: closed")
)
