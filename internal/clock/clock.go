// Package clock abstracts time so staleness and elapsed-period logic is
// deterministic under test.
package clock

import "time"

// Clock supplies the current time to the engines.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Mock is a manually advanced clock for tests.
type Mock struct {
	current time.Time
}

// NewMock returns a mock clock pinned to t.
func NewMock(t time.Time) *Mock { return &Mock{current: t} }

func (m *Mock) Now() time.Time { return m.current }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.current = m.current.Add(d) }

// Set pins the mock clock to t.
func (m *Mock) Set(t time.Time) { m.current = t }
