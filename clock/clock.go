// Package clock wraps github.com/benbjohnson/clock so the node's
// consensus timeouts can be driven by a deterministic mock clock in
// tests instead of the wall clock.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of timekeeping the node needs: Now, AfterFunc,
// and friends, satisfied by both the real and the mock implementation.
type Clock = clock.Clock

// New returns a Clock backed by real wall-clock time.
func New() Clock {
	return clock.New()
}

// Mock is a manually-advanced Clock: timers fire only when the test
// calls Add.
type Mock = clock.Mock

// NewMock returns a Mock clock set to the Unix epoch.
func NewMock() *Mock {
	return clock.NewMock()
}
