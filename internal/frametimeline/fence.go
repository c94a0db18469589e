package frametimeline

import "sync"

// FenceState is the result of polling a fence.
type FenceState int

const (
	FencePending FenceState = iota
	FenceSignaled
	FenceInvalid
)

// Fence reports when GPU or display work completed.
type Fence interface {
	// PollSignalTime returns the signal time once the fence has signaled.
	PollSignalTime() (int64, FenceState)
}

// FenceTime is a Fence whose outcome is set by its producer.
type FenceTime struct {
	mu         sync.Mutex
	state      FenceState
	signalTime int64
}

// NewFenceTime returns a pending fence.
func NewFenceTime() *FenceTime {
	return &FenceTime{}
}

// SignaledFence returns a fence that already signaled at t.
func SignaledFence(t int64) *FenceTime {
	return &FenceTime{state: FenceSignaled, signalTime: t}
}

func (f *FenceTime) Signal(t int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = FenceSignaled
	f.signalTime = t
}

// Invalidate marks the fence as never going to signal.
func (f *FenceTime) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = FenceInvalid
}

func (f *FenceTime) PollSignalTime() (int64, FenceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signalTime, f.state
}
