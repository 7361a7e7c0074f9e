package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyDeviceSet  = errors.New("empty device id set")
	ErrUnknownDialect  = errors.New("unrecognized payload dialect")
	ErrMissingEnvelope = errors.New("stream message has no data object")
)

// RejectError marks a record that resolved to neither a device id nor any
// coordinate. Callers log it and continue; a reject never aborts a batch.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("record rejected: %s", e.Reason)
}

// IsReject reports whether err is a semantic reject rather than a real
// parse or transport failure.
func IsReject(err error) bool {
	var r *RejectError
	return errors.As(err, &r)
}
