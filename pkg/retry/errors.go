package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// PermanentError marks an error as non-retryable. Input errors such as an
// unknown store id or a malformed query template wrap themselves in this so
// the executor fails immediately without consuming the attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err to indicate it must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// TransientError marks an error as explicitly retryable, overriding the
// default classification.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err to indicate it should be retried.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsPermanent reports whether err must not be retried. Explicit wrappers win;
// context cancellation is always permanent while a deadline overrun is
// transient; otherwise common network error types are classified,
// defaulting to transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}

	var transErr *TransientError
	if errors.As(err, &transErr) {
		return false
	}

	// Cancellation ends the run; a deadline overrun is a bounded wait
	// that ran out and the next attempt gets a fresh deadline.
	if errors.Is(err, context.Canceled) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return classify(err)
}

// IsTransient reports whether err is eligible for retry.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// classify decides permanence for errors without an explicit wrapper.
func classify(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EACCES, syscall.EPERM, syscall.ENOENT, syscall.ENOTDIR:
			return true
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
			return false
		}
	}

	// Unknown errors are retried; the attempt budget bounds the damage.
	return false
}
