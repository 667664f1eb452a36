package qos

import "errors"

var (
	ErrQueueFull     = errors.New("message queue is full")
	ErrEntryNotFound = errors.New("packet id not found")
	ErrEngineClosed  = errors.New("engine is closed")
)
