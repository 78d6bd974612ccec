package main

import "github.com/matst80/delayrelay/internal/relay"

// StateStore tracks live sessions for the operations surface. It observes the
// relay loop, so its observer methods must return quickly.
type StateStore interface {
	relay.Observer
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	sessions() []sessionInfo
	// stats helpers (not exported outside package main)
	getStats() (live int, opened int64, dropped int64)
	close() error
}
