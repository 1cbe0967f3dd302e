package control

import "errors"

var (
	ErrIO             = errors.New("control: io failure")
	ErrIPC            = errors.New("control: ipc primitive failure")
	ErrNotInitialized = errors.New("control: block not initialized")
	ErrStale          = errors.New("control: block left by an exited request server")
	ErrBusy           = errors.New("control: block owned by another request server")
	ErrClosed         = errors.New("control: block closed")
	ErrUnsupported    = errors.New("control: process-shared semaphores unsupported on this platform")
)
