package core

import "errors"

// Usage errors. These are returned synchronously from the posting and
// registration APIs; none of them is fatal.
var (
	// ErrManagerShutdown is returned for any post or registration after Shutdown.
	ErrManagerShutdown = errors.New("task queue manager is shut down")

	// ErrQueueNotFound is returned for a handle whose queue was destroyed or never existed.
	ErrQueueNotFound = errors.New("task queue not found")

	ErrTimeDomainNotRegistered     = errors.New("time domain is not registered")
	ErrTimeDomainAlreadyRegistered = errors.New("time domain is already registered")
	ErrTimeDomainInUse             = errors.New("time domain still has bound queues")

	// ErrTimeWentBackwards is returned by VirtualTimeDomain.AdvanceTo.
	ErrTimeWentBackwards = errors.New("virtual time cannot move backwards")

	ErrNilTask      = errors.New("task is nil")
	ErrRunnerClosed = errors.New("runner is closed")
)
