package broker

import "errors"

var (
	ErrClientIDEmpty      = errors.New("broker: client identifier must not be empty")
	ErrNotConnected       = errors.New("broker: client is not connected")
	ErrAlreadyRunning     = errors.New("broker: already started")
	ErrNotRunning         = errors.New("broker: not started")
	ErrListenerRequired   = errors.New("broker: at least one listener must be configured")
	ErrRestoreDangling    = errors.New("broker: persistence file references a store id that was never written")
)
