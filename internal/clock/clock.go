package clock

import "time"

// Clock provides timestamps on a monotonic nanosecond timeline.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() int64
}

var epoch = time.Now()

// baseOffset keeps real timestamps away from zero, which callers treat as
// "not yet known".
const baseOffset = int64(time.Second)

// RealClock reads the process monotonic clock.
type RealClock struct{}

// Now returns nanoseconds elapsed since process start, offset by one second.
func (RealClock) Now() int64 {
	return int64(time.Since(epoch)) + baseOffset
}

// TestClock provides a fixed, manually advanced time for testing.
type TestClock struct {
	CurrentTime int64
}

// Now returns the test time.
func (t *TestClock) Now() int64 {
	return t.CurrentTime
}

// Advance moves the test time forward by d.
func (t *TestClock) Advance(d time.Duration) {
	t.CurrentTime += int64(d)
}
