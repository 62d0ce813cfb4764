// Package cluster provides leader election, cross-node broadcast, and
// write forwarding for the exchange core. Exactly one node at a time is
// the matching authority; the rest serve reads and proxy writes.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foresight/exchange-core/internal/coordstore"
)

// ErrNoLeader is returned when no node currently holds the leader lock.
var ErrNoLeader = errors.New("cluster: no leader elected")

const (
	defaultLockKey    = "cluster:leader"
	defaultFencingKey = "cluster:leader:fencing"
	defaultLockTTL    = 15 * time.Second
)

// LeaderInfo is the JSON value stored under the leader lock. Followers
// read it to find where to proxy writes; the fencing token lets
// downstream systems reject writes from a deposed leader.
type LeaderInfo struct {
	NodeID       string    `json:"node_id"`
	Addr         string    `json:"addr"`
	FencingToken int64     `json:"fencing_token"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// ElectionConfig configures one node's participation in the election.
type ElectionConfig struct {
	NodeID     string
	Addr       string // advertised address for write forwarding
	LockKey    string
	FencingKey string
	LockTTL    time.Duration
}

func (c ElectionConfig) withDefaults() ElectionConfig {
	if c.LockKey == "" {
		c.LockKey = defaultLockKey
	}
	if c.FencingKey == "" {
		c.FencingKey = defaultFencingKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}

// Election runs the acquire/renew loop for one node.
//
// The lock is a single key acquired with set-if-not-exists plus TTL and
// renewed at a third of the TTL with a compare-before-extend, so a node
// can only ever extend a lock it still owns. Fencing tokens come from a
// separate counter with no TTL, incremented before each acquisition
// attempt, which makes every successful acquisition carry a strictly
// greater token than all earlier ones even across lock expiry.
type Election struct {
	cfg   ElectionConfig
	store coordstore.Store

	onElected func(token int64)
	onDemoted func()

	mu      sync.Mutex
	leading bool
	token   int64
	value   string // serialized LeaderInfo while leading
}

// NewElection creates an election participant. Callbacks may be nil and
// are invoked from the Run goroutine.
func NewElection(cfg ElectionConfig, store coordstore.Store, onElected func(token int64), onDemoted func()) *Election {
	return &Election{
		cfg:       cfg.withDefaults(),
		store:     store,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// IsLeader reports whether this node currently believes it holds the lock.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// FencingToken returns the token of the current term, or 0 when not leading.
func (e *Election) FencingToken() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leading {
		return 0
	}
	return e.token
}

// Leader reads the current lock holder from the coordination store.
func (e *Election) Leader(ctx context.Context) (*LeaderInfo, error) {
	raw, ok, err := e.store.Get(ctx, e.cfg.LockKey)
	if err != nil {
		return nil, fmt.Errorf("cluster: read leader lock: %w", err)
	}
	if !ok {
		return nil, ErrNoLeader
	}
	var info LeaderInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("cluster: decode leader lock: %w", err)
	}
	return &info, nil
}

// Run drives the election until ctx is cancelled, then releases the lock
// if held. The acquire/renew cadence is LockTTL/3.
func (e *Election) Run(ctx context.Context) {
	interval := e.cfg.LockTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Election) tick(ctx context.Context) {
	if e.IsLeader() {
		e.renew(ctx)
		return
	}
	e.tryAcquire(ctx)
}

// tryAcquire takes a fresh fencing token, then attempts the lock. A token
// burned on a failed attempt is harmless; only monotonicity matters.
func (e *Election) tryAcquire(ctx context.Context) {
	token, err := e.store.Incr(ctx, e.cfg.FencingKey)
	if err != nil {
		slog.Warn("fencing counter unavailable", "node", e.cfg.NodeID, "err", err)
		return
	}

	info := LeaderInfo{
		NodeID:       e.cfg.NodeID,
		Addr:         e.cfg.Addr,
		FencingToken: token,
		AcquiredAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		slog.Error("encode leader info", "err", err)
		return
	}

	ok, err := e.store.SetNX(ctx, e.cfg.LockKey, string(raw), e.cfg.LockTTL)
	if err != nil {
		slog.Warn("leader acquisition attempt failed", "node", e.cfg.NodeID, "err", err)
		return
	}
	if !ok {
		return
	}

	e.mu.Lock()
	e.leading = true
	e.token = token
	e.value = string(raw)
	e.mu.Unlock()

	slog.Info("leadership acquired", "node", e.cfg.NodeID, "fencing_token", token)
	if e.onElected != nil {
		e.onElected(token)
	}
}

// renew extends the TTL of a lock this node still owns and reports
// whether the lock is still held. Any failure (store error, lock
// expired, lock stolen) demotes immediately; matching must stop before
// another node can win the lock.
func (e *Election) renew(ctx context.Context) bool {
	e.mu.Lock()
	value := e.value
	e.mu.Unlock()

	ok, err := e.store.CompareAndExtend(ctx, e.cfg.LockKey, value, e.cfg.LockTTL)
	if err == nil && ok {
		return true
	}
	if err != nil {
		slog.Warn("leader renewal error", "node", e.cfg.NodeID, "err", err)
	} else {
		slog.Warn("leader lock no longer owned", "node", e.cfg.NodeID)
	}
	e.demote()
	return false
}

func (e *Election) demote() {
	e.mu.Lock()
	wasLeading := e.leading
	e.leading = false
	token := e.token
	e.mu.Unlock()

	if !wasLeading {
		return
	}
	slog.Warn("leadership lost", "node", e.cfg.NodeID, "fencing_token", token)
	if e.onDemoted != nil {
		e.onDemoted()
	}
}

// release voluntarily gives up the lock on shutdown so a successor does
// not have to wait out the TTL. Compare-and-delete only removes a lock
// this node still owns.
func (e *Election) release() {
	e.mu.Lock()
	leading := e.leading
	value := e.value
	e.mu.Unlock()
	if !leading {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.store.CompareAndDelete(ctx, e.cfg.LockKey, value); err != nil {
		slog.Warn("release leader lock", "node", e.cfg.NodeID, "err", err)
	}
	e.demote()
}
