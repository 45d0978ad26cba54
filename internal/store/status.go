package store

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a ChannelConnection
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusAuthExpired  Status = "auth_expired"
	StatusDisconnected Status = "disconnected"
)

var transitions = map[Status][]Status{
	// a first sync without a usable token goes straight to auth_expired
	StatusPending:     {StatusActive, StatusAuthExpired},
	StatusActive:      {StatusError, StatusAuthExpired},
	StatusError:       {StatusActive, StatusAuthExpired, StatusDisconnected},
	StatusAuthExpired: {StatusDisconnected, StatusPending},
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusError, StatusAuthExpired, StatusDisconnected:
		return true
	}
	return false
}

// Transition validates a status change. Staying in the same status is always allowed.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// External reports whether a transition may only be requested by an operator
// or the re-authorization flow, never by the sync engine itself.
func External(from, to Status) bool {
	return to == StatusDisconnected || (from == StatusAuthExpired && to == StatusPending)
}
