package vcpu

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govcpu/metrics"
)

var (
	// ErrInvalidCore is a core id outside the monitor configuration.
	ErrInvalidCore = errors.New("invalid core identifier")

	// ErrConstructionFailure is a failure of the base vCPU machinery.
	ErrConstructionFailure = errors.New("vcpu construction failed")

	// ErrFeatureUnavailable means the host lacks a hardware feature the
	// variant requires, tagged TLBs in particular.
	ErrFeatureUnavailable = errors.New("hardware feature unavailable")

	// ErrUnknownVariant is a variant name nobody registered.
	ErrUnknownVariant = errors.New("unknown vcpu variant")

	// ErrClosed is returned by operations on a released vCPU.
	ErrClosed = errors.New("vcpu is closed")

	// ErrNilDelegate is returned when registering a nil delegate.
	ErrNilDelegate = errors.New("nil event delegate")
)

// Error is a construction error for one core. Kind is one of
// ErrInvalidCore, ErrConstructionFailure or ErrFeatureUnavailable; Err is
// the underlying cause, kept unchanged. errors.Is matches both.
type Error struct {
	Op   string
	Core CoreID
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil || errors.Is(e.Kind, e.Err) {
		return fmt.Sprintf("vcpu %d: %s: %v", e.Core, e.Op, e.Kind)
	}

	return fmt.Sprintf("vcpu %d: %s: %v: %v", e.Core, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}

	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// Fail wraps err into an *Error for core id. Errors that already carry
// ErrFeatureUnavailable or ErrInvalidCore keep that kind; anything else
// becomes ErrConstructionFailure. An *Error is returned unchanged.
func Fail(op string, id CoreID, err error) error {
	if err == nil {
		return nil
	}

	var verr *Error
	if errors.As(err, &verr) {
		return err
	}

	return &Error{Op: op, Core: id, Kind: KindOf(err), Err: err}
}

// KindOf returns the taxonomy kind of err.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidCore):
		return ErrInvalidCore
	case errors.Is(err, ErrFeatureUnavailable):
		return ErrFeatureUnavailable
	default:
		return ErrConstructionFailure
	}
}

func resultLabel(err error) string {
	switch KindOf(err) {
	case nil:
		return metrics.ResultOK
	case ErrInvalidCore:
		return metrics.ResultInvalidCore
	case ErrFeatureUnavailable:
		return metrics.ResultFeatureUnavailable
	default:
		return metrics.ResultConstructionFailure
	}
}
