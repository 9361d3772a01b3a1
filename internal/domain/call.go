package domain

import (
	"encoding/json"
	"time"
)

type CallState string

const (
	CallIdle       CallState = "IDLE"
	CallOffered    CallState = "OFFERED"
	CallRinging    CallState = "RINGING"
	CallConnecting CallState = "CONNECTING"
	CallActive     CallState = "ACTIVE"
	CallEnded      CallState = "ENDED"
	CallFailed     CallState = "FAILED"
)

// Failure reasons carried by call:failed so clients can tell "no answer"
// apart from a network problem.
const (
	ReasonTimeout        = "timeout"
	ReasonRejected       = "rejected"
	ReasonICEFailure     = "ice-failure"
	ReasonUnavailable    = "unavailable"
	ReasonConnectionLost = "connection-lost"
)

var callTransitions = map[CallState][]CallState{
	CallIdle:       {CallOffered},
	CallOffered:    {CallRinging, CallEnded, CallFailed},
	CallRinging:    {CallConnecting, CallEnded, CallFailed},
	CallConnecting: {CallActive, CallEnded, CallFailed},
	CallActive:     {CallEnded, CallFailed},
}

func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// Busy reports whether a session in this state blocks a new offer
// between the same pair.
func (s CallState) Busy() bool {
	switch s {
	case CallOffered, CallRinging, CallConnecting, CallActive:
		return true
	}
	return false
}

type CallSession struct {
	CallID        string          `json:"callId"`
	CallerID      string          `json:"callerId"`
	CalleeID      string          `json:"calleeId"`
	IsVideo       bool            `json:"isVideo"`
	State         CallState       `json:"state"`
	FailureReason string          `json:"failureReason,omitempty"`
	Offer         json.RawMessage `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Peer returns the other participant of the call.
func (c *CallSession) Peer(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

func (c *CallSession) Participant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}
