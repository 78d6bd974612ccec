package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/transport"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := transport.Initialize(nil); err != nil {
		obs.Error("transport.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer transport.Deinitialize()

	if cfg.Mode == "echo" {
		err = runEcho(ctx, cfg)
	} else {
		err = runPing(ctx, cfg)
	}
	if err != nil {
		obs.Error("client."+cfg.Mode, obs.Fields{"err": err.Error()})
		transport.Deinitialize()
		os.Exit(1)
	}
}

// runPing connects through the relay and reports round trips. With a relay
// delay of d the round trip is at least 2d.
func runPing(ctx context.Context, cfg Config) error {
	host, err := transport.NewHost(transport.HostConfig{})
	if err != nil {
		return err
	}
	defer host.Close()
	conn, err := host.Dial(cfg.Relay, nil)
	if err != nil {
		return err
	}
	obs.Info("ping.start", obs.Fields{"relay": cfg.Relay, "interval": cfg.Interval.String()})

	var st rttStats
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	send := func() {
		if err := conn.Send(uint8(cfg.Channel), encodeProbe(uint64(st.sent), time.Now(), cfg.Size)); err != nil {
			obs.Warn("ping.send", obs.Fields{"seq": st.sent, "err": err.Error()})
		}
		st.sent++
	}
	send()
	var finish <-chan time.Time
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-finish:
			break loop
		case <-ticker.C:
			if cfg.Count > 0 && st.sent >= cfg.Count {
				// one more interval for the last reply
				if finish == nil {
					finish = time.After(cfg.Interval)
				}
				break
			}
			send()
		default:
		}
		ev := host.Service(10 * time.Millisecond)
		switch ev.Type {
		case transport.EventReceive:
			seq, sent, err := decodeProbe(ev.Packet.Data())
			ev.Packet.Release()
			if err != nil {
				obs.Warn("ping.reply", obs.Fields{"err": err.Error()})
				continue
			}
			rtt := time.Since(sent)
			st.add(rtt)
			obs.Info("ping.reply", obs.Fields{"seq": seq, "rtt_ms": float64(rtt.Microseconds()) / 1000})
		case transport.EventDisconnect:
			obs.Warn("ping.disconnected", obs.Fields{"relay": cfg.Relay})
			break loop
		}
	}
	_ = conn.Disconnect()
	obs.Info("ping.summary", obs.Fields{
		"sent":     st.sent,
		"received": st.received,
		"min_ms":   float64(st.min.Microseconds()) / 1000,
		"avg_ms":   float64(st.avg().Microseconds()) / 1000,
		"max_ms":   float64(st.max.Microseconds()) / 1000,
	})
	return nil
}

// runEcho is a minimal backend: every packet goes straight back on the same
// channel.
func runEcho(ctx context.Context, cfg Config) error {
	host, err := transport.Listen(transport.HostConfig{Port: cfg.Port})
	if err != nil {
		return err
	}
	defer host.Close()
	obs.Info("echo.listen", obs.Fields{"port": cfg.Port})
	for ctx.Err() == nil {
		ev := host.Service(100 * time.Millisecond)
		switch ev.Type {
		case transport.EventConnect:
			f := obs.Fields{"remote": ev.Conn.RemoteAddr().String()}
			if ca := ev.Conn.ClientAddr(); ca.IsValid() {
				f["client"] = ca.String()
			}
			obs.Info("echo.connect", f)
		case transport.EventReceive:
			if err := ev.Conn.Send(ev.Channel, ev.Packet.Data()); err != nil {
				obs.Warn("echo.send", obs.Fields{"remote": ev.Conn.RemoteAddr().String(), "err": err.Error()})
			}
			ev.Packet.Release()
		case transport.EventDisconnect:
			obs.Info("echo.disconnect", obs.Fields{"remote": ev.Conn.RemoteAddr().String()})
		}
	}
	return nil
}
