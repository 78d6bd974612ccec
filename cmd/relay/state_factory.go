package main

import "github.com/matst80/delayrelay/internal/obs"

// newStateStore creates either an in-memory or Redis-backed state store based on configuration
func newStateStore(cfg Config) (StateStore, error) {
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return newRedisStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}
