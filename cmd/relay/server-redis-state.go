package main

import (
	"context"
	"encoding/json"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/delayrelay/internal/obs"
	"github.com/matst80/delayrelay/internal/relay"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type sessionOp struct {
	kind opKind
	addr netip.AddrPort
}

// instanceData is the heartbeat record under relay:instance:<id>.
type instanceData struct {
	ID       string    `json:"id"`
	Sessions int       `json:"sessions"`
	Started  time.Time `json:"started"`
	LastSeen time.Time `json:"last_seen"`
}

// redisStateStore publishes this instance's live sessions to Redis so several
// relays can be inspected from one place. The local view is kept by the
// embedded serverState; Redis writes happen on a worker goroutine because
// observer callbacks run on the relay loop.
type redisStateStore struct {
	*serverState
	client     *redis.Client
	instanceID string
	started    time.Time

	ops     chan sessionOp
	stopped chan struct{}
	once    sync.Once

	// maintenance configuration
	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	opTimeout         time.Duration
}

func newRedisStateStore(addr, password string, db int) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}
	r := &redisStateStore{
		serverState:       newServerState(),
		client:            rdb,
		instanceID:        "relay-" + uuid.NewString(),
		started:           time.Now().UTC(),
		ops:               make(chan sessionOp, 4096),
		stopped:           make(chan struct{}),
		heartbeatInterval: 10 * time.Second,
		redisKeyTTL:       30 * time.Second,
		opTimeout:         2 * time.Second,
	}
	r.serverState.instance = r.instanceID
	go r.run()
	return r, nil
}

var _ StateStore = (*redisStateStore)(nil)

func sessionKey(client string) string { return "relay:session:" + client }
func instanceKey(id string) string    { return "relay:instance:" + id }

func (r *redisStateStore) SessionOpened(addr netip.AddrPort, at time.Time) {
	r.serverState.SessionOpened(addr, at)
	r.enqueue(sessionOp{kind: opPut, addr: addr})
}

func (r *redisStateStore) SessionStateChanged(addr netip.AddrPort, state relay.State) {
	r.serverState.SessionStateChanged(addr, state)
	r.enqueue(sessionOp{kind: opPut, addr: addr})
}

func (r *redisStateStore) SessionClosed(addr netip.AddrPort, dropped int) {
	r.serverState.SessionClosed(addr, dropped)
	r.enqueue(sessionOp{kind: opDelete, addr: addr})
}

// enqueue never blocks the relay loop; a full queue loses the write and the
// next heartbeat repairs it.
func (r *redisStateStore) enqueue(op sessionOp) {
	select {
	case r.ops <- op:
	default:
		obs.ErrorsTotal.WithLabelValues("state_queue_full").Inc()
	}
}

func (r *redisStateStore) run() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	r.heartbeat()
	for {
		select {
		case op, ok := <-r.ops:
			if !ok {
				return
			}
			r.apply(op)
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *redisStateStore) apply(op sessionOp) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	key := sessionKey(op.addr.String())
	if op.kind == opDelete {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			obs.Error("redis.session.del", obs.Fields{"err": err.Error(), "client": op.addr.String()})
		}
		return
	}
	info, ok := r.lookup(op.addr)
	if !ok {
		// closed before the write got here
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		obs.Error("redis.session.marshal", obs.Fields{"err": err.Error(), "client": op.addr.String()})
		return
	}
	if err := r.client.Set(ctx, key, data, r.redisKeyTTL).Err(); err != nil {
		obs.Error("redis.session.set", obs.Fields{"err": err.Error(), "client": op.addr.String()})
	}
}

// heartbeat refreshes the instance record and rewrites every local session
// with a fresh TTL.
func (r *redisStateStore) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	live := r.sessions()
	inst, err := json.Marshal(instanceData{ID: r.instanceID, Sessions: len(live), Started: r.started, LastSeen: time.Now().UTC()})
	if err != nil {
		obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error()})
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, instanceKey(r.instanceID), inst, r.redisKeyTTL)
	for _, info := range live {
		data, err := json.Marshal(info)
		if err != nil {
			continue
		}
		pipe.Set(ctx, sessionKey(info.Client), data, r.redisKeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(live)})
	}
}

// close flushes queued writes, removes the instance record and disconnects.
// The relay loop must have stopped first.
func (r *redisStateStore) close() error {
	var err error
	r.once.Do(func() {
		close(r.ops)
		<-r.stopped
		ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
		defer cancel()
		if derr := r.client.Del(ctx, instanceKey(r.instanceID)).Err(); derr != nil {
			obs.Error("redis.instance.del", obs.Fields{"err": derr.Error()})
		}
		err = r.client.Close()
	})
	return err
}
