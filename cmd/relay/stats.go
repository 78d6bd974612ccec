package main

import (
	"time"

	"github.com/matst80/delayrelay/internal/relay"
)

// Stats represents current relay stats for the state API.
type Stats struct {
	Sessions       int           `json:"sessions"`
	Pending        int           `json:"pending"`
	TotalSessions  int64         `json:"total_sessions"`
	DroppedOnClose int64         `json:"dropped_on_close"`
	Live           []sessionInfo `json:"live"`
	Now            string        `json:"now"`
}

func collectStats(s StateStore, loop relay.Stats) Stats {
	_, opened, dropped := s.getStats()
	return Stats{
		Sessions:       loop.Sessions,
		Pending:        loop.Pending,
		TotalSessions:  opened,
		DroppedOnClose: dropped,
		Live:           s.sessions(),
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}
