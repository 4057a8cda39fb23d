// Package batch runs patch extraction over a directory of slides and stain
// normalisation over a directory of extracted patches. Each item is
// processed on its own: a failure is logged, recorded in the Report and the
// run moves on to the next item.
package batch

import (
	"errors"
	"fmt"
)

// ItemFailure records one item that could not be processed.
type ItemFailure struct {
	Item string
	Err  error
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Item, f.Err)
}

func (f ItemFailure) Unwrap() error { return f.Err }

// Report is the outcome of a best-effort batch run.
type Report struct {
	Succeeded []string
	Failures  []ItemFailure
}

func (r *Report) succeed(item string) {
	r.Succeeded = append(r.Succeeded, item)
}

func (r *Report) fail(item string, err error) {
	r.Failures = append(r.Failures, ItemFailure{Item: item, Err: err})
}

// Total returns the number of items attempted.
func (r *Report) Total() int {
	return len(r.Succeeded) + len(r.Failures)
}

// Err joins all failures, or returns nil if every item succeeded.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Summary is a one-line description of the run.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d of %d items processed, %d failed", len(r.Succeeded), r.Total(), len(r.Failures))
}
