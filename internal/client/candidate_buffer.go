package client

import (
	"encoding/json"
	"sync"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description is applied, then hands them over in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []json.RawMessage
	apply   func(json.RawMessage) error
}

// NewCandidateBuffer calls apply for every candidate once the remote
// description is in place.
func NewCandidateBuffer(apply func(json.RawMessage) error) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Add applies candidate right away when ready, otherwise queues it.
func (b *CandidateBuffer) Add(candidate json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		b.pending = append(b.pending, candidate)
		return nil
	}
	return b.apply(candidate)
}

// SetRemoteDescription flushes the queue. Calls after the first are no-ops.
// If apply fails the unapplied candidates stay queued for the next call.
func (b *CandidateBuffer) SetRemoteDescription() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	for len(b.pending) > 0 {
		if err := b.apply(b.pending[0]); err != nil {
			return err
		}
		b.pending = b.pending[1:]
	}
	b.pending = nil
	b.ready = true
	return nil
}

func (b *CandidateBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset returns the buffer to its initial state for a new call.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	b.pending = nil
}
