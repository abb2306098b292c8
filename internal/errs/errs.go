// Package errs classifies pipeline failures so the bus knows whether to ack,
// drop or redeliver a message.
package errs

import (
	"context"
	"errors"
	"net"
)

// Kind of a classified failure
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.kind.String() + ": " + c.err.Error() }

func (c *classified) Unwrap() error { return c.err }

// Transient marks err as a timeout / rate-limit / network failure that is
// worth redelivering.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindTransient, err: err}
}

// Validation marks err as a malformed input that can never succeed.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindValidation, err: err}
}

// KindOf returns the outermost classification found in err's chain.
// Deadline and network timeouts count as transient even when unmarked.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be redelivered.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err should be dropped without retry.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
