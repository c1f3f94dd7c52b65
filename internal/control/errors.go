package control

import "errors"

var (
	// ErrTimeout: no reply arrived within the command timeout.
	ErrTimeout = errors.New("control: executor did not reply in time")
	// ErrNoExecutor: nothing is attached to receive the command.
	ErrNoExecutor = errors.New("control: no executor connected")
	// ErrCorrelationNotFound marks late or duplicate replies. It is logged, never returned to callers.
	ErrCorrelationNotFound = errors.New("control: no pending command for reply")
	// ErrMalformed: a frame or command failed validation.
	ErrMalformed = errors.New("control: malformed message")
	// ErrBadReply: the executor answered a command with the wrong reply op.
	ErrBadReply = errors.New("control: executor sent an unexpected reply")
	// ErrRouterRestarted is delivered to waits that were pending when the router crashed.
	ErrRouterRestarted = errors.New("control: router restarted")
	// ErrRouterStopped is returned once Run has exited.
	ErrRouterStopped = errors.New("control: router stopped")
)
