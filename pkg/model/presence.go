package model

import "time"

// Presence is announced by each device on the session's presence channel.
type Presence struct {
	Device    string    `json:"device"`
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Version   string    `json:"version,omitempty"`
}
