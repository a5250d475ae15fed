package model

import (
	"errors"
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
)

var ErrInvalidDistances = errors.New("invalid distances")

// Session is created by the operator. Devices only read it.
//
//nolint:tagliatelle // client compatibility
type Session struct {
	ID        int64         `json:"id"`
	Code      string        `json:"session_code"`
	Distances []int         `json:"distances"`
	CreatedAt time.Time     `json:"created_at"`
	Status    SessionStatus `json:"status"`
}

// ValidateDistances checks the marker list is non-empty, positive and strictly
// increasing.
func ValidateDistances(distances []int) error {
	if len(distances) == 0 {
		return fmt.Errorf("%w: no markers", ErrInvalidDistances)
	}
	prev := 0
	for i, d := range distances {
		if d <= 0 {
			return fmt.Errorf("%w: marker %d is not positive (%d)", ErrInvalidDistances, i, d)
		}
		if d <= prev {
			return fmt.Errorf("%w: marker %d (%d) not after %d",
				ErrInvalidDistances, i, d, prev)
		}
		prev = d
	}
	return nil
}

// NumLegs returns the number of legs a full run produces.
func (s *Session) NumLegs() int {
	return len(s.Distances)
}

// LegIndexOf returns the index of the leg ending at the given marker or -1.
func (s *Session) LegIndexOf(distance int) int {
	for i, d := range s.Distances {
		if d == distance {
			return i
		}
	}
	return -1
}

// IsLastMarker reports whether distance is the final marker of the session.
func (s *Session) IsLastMarker(distance int) bool {
	return len(s.Distances) > 0 && s.Distances[len(s.Distances)-1] == distance
}
