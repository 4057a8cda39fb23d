package stainnorm

import (
	"errors"
	"fmt"
)

// NumericalInstabilityError reports a stain decomposition that could not be
// computed for an image, for example a failed eigendecomposition or a
// singular stain matrix. The image should be skipped.
type NumericalInstabilityError struct {
	Op  string
	Err error
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("numerical instability in %s: %v", e.Op, e.Err)
}

func (e *NumericalInstabilityError) Unwrap() error { return e.Err }

func unstable(op string, format string, args ...any) error {
	return &NumericalInstabilityError{Op: op, Err: fmt.Errorf(format, args...)}
}

var (
	// ErrNotFitted is returned by Transform before Fit succeeded.
	ErrNotFitted = errors.New("normalizer has not been fitted")

	// ErrNoTissue is returned when an image has too few tissue pixels to
	// estimate stains from.
	ErrNoTissue = errors.New("too few tissue pixels")
)
