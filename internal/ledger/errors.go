package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies ledger failures
type Kind string

const (
	KindConfig       Kind = "configuration"
	KindConnectivity Kind = "connectivity"
	KindAllocation   Kind = "allocation"
	KindRevert       Kind = "revert"
	KindTimeout      Kind = "timeout"
	KindTransport    Kind = "transport"
)

// Error is a failed commit step
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s failure at %s", e.Kind, e.Step)
	}
	return fmt.Sprintf("ledger %s failure at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}

// KindOf returns the kind of a ledger error, or "" for other errors
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
