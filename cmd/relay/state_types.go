package main

import "time"

// sessionInfo is one live relay session as shown by /api/state and stored
// in Redis.
type sessionInfo struct {
	Client   string    `json:"client"`
	State    string    `json:"state"`
	OpenedAt time.Time `json:"opened_at"`
	Instance string    `json:"instance,omitempty"`
}
