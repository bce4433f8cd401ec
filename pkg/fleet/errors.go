package fleet

import "errors"

var (
	ErrNoTargets      = errors.New("no target devices")
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceExists   = errors.New("device id already exists")
	ErrConnectFailed  = errors.New("connection failed")
	errNameRequired   = errors.New("device name is required")
	errHostRequired   = errors.New("device host is required")
)
