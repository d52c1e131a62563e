package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSocketClosed       = errors.New("endpoint: socket closed")
	ErrSocketTimeout      = errors.New("endpoint: socket timeout")
	ErrEndpointNotRunning = errors.New("endpoint: not running")
	ErrExecutorRejected   = errors.New("endpoint: executor rejected task")
	ErrExecutorClosed     = errors.New("endpoint: executor closed")
	ErrPollerClosed       = errors.New("endpoint: poller closed")
	ErrAlreadyBound       = errors.New("endpoint: already bound")
)

// MultiError collects the failures of a teardown path that must keep going
// after the first error.
type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As look inside the collection.
func (m MultiError) Unwrap() []error {
	return m
}

// ErrOrNil returns nil for an empty collection so callers can return it directly.
func (m MultiError) ErrOrNil() error {
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

// FatalError marks a panic value that must not be swallowed by a worker.
// The socket is cleaned up and the panic is raised again.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// isFatal classifies a recovered panic value.
func isFatal(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}
