package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrDuplicate         = errors.New("duplicate action")
	ErrRejected          = errors.New("rejected by server")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrCorruptState      = errors.New("corrupt local state")
	ErrStoreUnavailable  = errors.New("durable store unavailable")
	ErrOffline           = errors.New("offline")
	ErrRecipientOffline  = errors.New("recipient offline")
	ErrBusy              = errors.New("busy")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
)

// Kind groups errors by how callers are expected to react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is retried with backoff.
	KindTransient
	// KindRejected is surfaced to the user and never retried automatically.
	KindRejected
	// KindResource informs the sender without failing the session.
	KindResource
	// KindFatal drops the single event and keeps the worker alive.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindResource:
		return "resource"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrOffline), errors.Is(err, ErrRateLimited):
		return KindTransient
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrDuplicate), errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
		return KindRejected
	case errors.Is(err, ErrRecipientOffline), errors.Is(err, ErrBusy):
		return KindResource
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrCorruptState):
		return KindFatal
	}
	return KindUnknown
}
