package controller

import (
	"sync"
	"time"
)

// FunnelStatus is what a caller of Funnel.GetStatus observes.
type FunnelStatus int

const (
	// FunnelStart means the caller has just been elected: it must go do the
	// once-only work and call NotifySuccess or NotifyFail.
	FunnelStart FunnelStatus = iota
	// FunnelProgress means someone else was elected and is still working.
	FunnelProgress
	// FunnelEnd means the once-only work is done.
	FunnelEnd
)

func (s FunnelStatus) String() string {
	switch s {
	case FunnelStart:
		return "START"
	case FunnelProgress:
		return "PROGRESS"
	case FunnelEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// funnelState is the monotonic enum backing a Funnel. It only ever moves
// Start -> InProgress -> End, except that the elected caller's abdication
// (NotifyFail) deliberately returns it to Start so a later caller can try
// again.
type funnelState int

const (
	stateStart funnelState = iota
	stateInProgress
	stateEnd
)

// Funnel elects exactly one caller to perform a once-only action and lets
// every other caller wait for that action to finish.
type Funnel struct {
	mu       sync.Mutex
	state    funnelState
	wakeCh   chan struct{} // closed and replaced by NotifySuccess and NotifyFail
}

// NewFunnel returns a funnel in its initial Start state.
func NewFunnel() *Funnel {
	return &Funnel{state: stateStart, wakeCh: make(chan struct{})}
}

// GetStatus atomically inspects and, if the funnel was at Start, claims
// it: the only caller who ever sees FunnelStart for a given election is
// the one who made this call while the funnel was still at Start.
func (f *Funnel) GetStatus() FunnelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateStart:
		f.state = stateInProgress
		return FunnelStart
	case stateInProgress:
		return FunnelProgress
	default:
		return FunnelEnd
	}
}

// transition moves to newState and wakes every current waiter.
func (f *Funnel) transition(newState funnelState) {
	f.mu.Lock()
	f.state = newState
	old := f.wakeCh
	f.wakeCh = make(chan struct{})
	f.mu.Unlock()
	close(old)
}

// NotifySuccess is called by the elected caller once the once-only action
// has completed. InProgress -> End, waking every waiter.
func (f *Funnel) NotifySuccess() {
	f.transition(stateEnd)
}

// NotifyFail is called by the elected caller to abdicate: the funnel
// returns to Start so a different sibling can be elected on its next
// GetStatus call. This is deliberate -- it must stay possible for a fresh
// attempt after a transient failure (e.g. a socket write error).
func (f *Funnel) NotifyFail() {
	f.transition(stateStart)
}

// Wait returns at once if the funnel is already at End; otherwise it blocks
// until the elected caller calls NotifySuccess or NotifyFail, or
// timeoutMillis elapses, whichever comes first. After an abdication the
// funnel is back at Start when Wait returns.
func (f *Funnel) Wait(timeoutMillis int) {
	f.mu.Lock()
	if f.state == stateEnd {
		f.mu.Unlock()
		return
	}
	ch := f.wakeCh
	f.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(time.Duration(timeoutMillis) * time.Millisecond):
	}
}
