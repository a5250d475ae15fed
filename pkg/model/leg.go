package model

import "time"

// Leg is one timed segment of the relay. Leg i ends at marker Distances[i].
//
//nolint:tagliatelle // client compatibility
type Leg struct {
	ID        int64      `json:"id"`
	SessionID int64      `json:"session_id"`
	LegIndex  int        `json:"leg_index"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

func (l *Leg) Open() bool {
	return l.StartTime != nil && l.EndTime == nil
}

// Closed legs are terminal and must not be stamped again.
func (l *Leg) Closed() bool {
	return l.EndTime != nil
}

// Duration returns the leg time. ok is false unless both stamps are set.
func (l *Leg) Duration() (d time.Duration, ok bool) {
	if l.StartTime == nil || l.EndTime == nil {
		return 0, false
	}
	return l.EndTime.Sub(*l.StartTime), true
}

// ClampEnd makes sure the end stamp is strictly after the start stamp.
func ClampEnd(start, end time.Time) time.Time {
	if !end.After(start) {
		return start.Add(time.Microsecond)
	}
	return end
}
