// Package async turns a blocking transport call into something a scheduler
// tick can poll without waiting on it.
package async

// Runner executes fn, either on another goroutine or immediately.
type Runner func(fn func())

// Go runs fn on a new goroutine.
func Go(fn func()) {
	go fn()
}

// Inline runs fn before returning. Tests use it to make transport calls
// deterministic.
func Inline(fn func()) {
	fn()
}

// Op is a single in-flight call producing a T.
type Op[T any] struct {
	done chan T
	res  T
	ok   bool
}

// Start launches fn through run and returns the pending Op.
func Start[T any](run Runner, fn func() T) *Op[T] {
	op := &Op[T]{done: make(chan T, 1)}
	if run == nil {
		run = Go
	}
	run(func() {
		op.done <- fn()
	})
	return op
}

// Poll returns the result and true once fn has returned. It never blocks.
// A nil Op is never done.
func (op *Op[T]) Poll() (T, bool) {
	if op == nil {
		var zero T
		return zero, false
	}
	if op.ok {
		return op.res, true
	}
	select {
	case op.res = <-op.done:
		op.ok = true
		return op.res, true
	default:
		var zero T
		return zero, false
	}
}
