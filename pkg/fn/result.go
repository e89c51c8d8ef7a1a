// Package fn holds the generic plumbing the labeling and sync pipelines are
// assembled from: Result values, composable stages, a bounded parallel map,
// and backoff retry.
package fn

type outcome uint8

const (
	failed outcome = iota
	succeeded
	halted
)

// Result carries either a value or the error that prevented it. A halted
// Result holds a value and tells Pipeline to skip the remaining stages.
type Result[T any] struct {
	val T
	err error
	out outcome
}

// Ok wraps v.
func Ok[T any](v T) Result[T] { return Result[T]{val: v, out: succeeded} }

// Halt wraps v and ends the enclosing Pipeline after the current stage.
func Halt[T any](v T) Result[T] { return Result[T]{val: v, out: halted} }

// Err wraps err.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair converts a (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool   { return r.out != failed }
func (r Result[T]) IsErr() bool  { return r.out == failed }
func (r Result[T]) Halted() bool { return r.out == halted }

// Cause is the error of a failed Result and nil otherwise.
func (r Result[T]) Cause() error { return r.err }

// Unwrap returns the value and the error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Partition splits results into their values and errors, each in input order.
func Partition[T any](results []Result[T]) (vals []T, errs []error) {
	for _, r := range results {
		if r.IsErr() {
			errs = append(errs, r.err)
			continue
		}
		vals = append(vals, r.val)
	}
	return vals, errs
}
