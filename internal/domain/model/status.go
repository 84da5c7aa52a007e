package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an evaluation task.
type Status string

// Task statuses.
const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
	StatusHold      Status = "HOLD"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusHold, StatusStarted, StatusSuccess, StatusFailure, StatusCancelled}

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[Status][]Status{
	StatusStarted:   {StatusPending, StatusHold},
	StatusSuccess:   {StatusStarted},
	StatusFailure:   {StatusPending, StatusHold, StatusStarted},
	StatusCancelled: {StatusPending, StatusHold, StatusStarted},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// AllowedFrom returns the statuses a task may be in to move to s.
// The result is nil for PENDING and HOLD, which are only entered on creation.
func AllowedFrom(to Status) []Status {
	from := transitions[to]
	if len(from) == 0 {
		return nil
	}
	out := make([]Status, len(from))
	copy(out, from)
	return out
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ParseStatus parses a status case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}
