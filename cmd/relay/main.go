package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/relay"
	"github.com/matst80/delayrelay/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	obs.Info("relay.start", obs.Fields{
		"listen_port":       cfg.ListenPort,
		"backend":           cfg.relayConfig().BackendAddr(),
		"delay":             cfg.Delay.String(),
		"forward_client_ip": cfg.ForwardClientIP,
		"metrics":           cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := transport.Initialize(prometheus.DefaultRegisterer); err != nil {
		obs.Error("transport.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	state, err := newStateStore(cfg)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	opts := []relay.Option{relay.WithObserver(state)}
	if rl := cfg.admission(); rl != nil {
		opts = append(opts, relay.WithAdmission(rl))
	}
	h, err := relay.Start(ctx, cfg.relayConfig(), opts...)
	if err != nil {
		obs.Error("listen.relay", obs.Fields{"err": err.Error(), "port": cfg.ListenPort})
		os.Exit(1)
	}

	metrics := startMetricsServer(cfg.MetricsAddr, state, h.Stats)
	state.setReady(true)
	obs.Info("relay.ready", obs.Fields{})

	select {
	case <-ctx.Done():
		obs.Info("relay.shutdown.signal", obs.Fields{})
	case <-h.Done():
		obs.Warn("relay.loop_exited", obs.Fields{})
	}
	state.setClosing(true)
	h.Stop()
	if err := h.Wait(); err != nil {
		obs.Error("relay.stop", obs.Fields{"err": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		obs.Error("metrics.shutdown", obs.Fields{"err": err.Error()})
	}
	if err := state.close(); err != nil {
		obs.Error("state.close", obs.Fields{"err": err.Error()})
	}
	transport.Deinitialize()
	obs.Info("relay.shutdown.complete", obs.Fields{})
}
