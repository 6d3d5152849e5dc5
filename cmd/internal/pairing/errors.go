package pairing

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyLinked = errors.New("pairing: session already linked")
	ErrNotOriginator = errors.New("pairing: operation requires the originator role")
	ErrTerminated    = errors.New("pairing: session terminated")
	ErrNoChannel     = errors.New("pairing: no channel")
)

// OpError records which session operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("pairing: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
