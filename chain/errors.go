package chain

import "errors"

var (
	// ErrClientShutdown is returned when an operation cannot complete
	// because the chain client is shutting down or has already been shut
	// down.
	ErrClientShutdown = errors.New("chain client is shut down")

	// ErrNotStarted is returned when an operation requires a started
	// chain client.
	ErrNotStarted = errors.New("chain client is not started")

	// ErrQueryTimeout is returned when a chain query does not complete
	// within the client's query timeout.
	ErrQueryTimeout = errors.New("chain query timed out")
)
