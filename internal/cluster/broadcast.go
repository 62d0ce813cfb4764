package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/foresight/exchange-core/internal/book"
	"github.com/foresight/exchange-core/internal/coordstore"
	"github.com/foresight/exchange-core/internal/metrics"
	"github.com/foresight/exchange-core/internal/model"
)

// Broadcast channels. Depth, trades, and stats carry market data; the
// events channel carries control messages such as leadership changes.
const (
	ChannelDepth  = "cluster:depth"
	ChannelTrades = "cluster:trades"
	ChannelStats  = "cluster:stats"
	ChannelEvents = "cluster:events"
)

// Envelope wraps every cross-node message. Origin carries the sending
// node's id so subscribers can drop their own echoes; delivery is
// at-most-once, so consumers treat messages as hints and reconcile
// against authoritative snapshots after any gap.
type Envelope struct {
	Type      string          `json:"type"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// Message types on ChannelEvents.
const (
	EventLeadershipChanged = "leadership_changed"
)

// LeadershipChanged is the events-channel payload announcing a new term.
type LeadershipChanged struct {
	LeaderID     string `json:"leader_id"`
	LeaderAddr   string `json:"leader_addr"`
	FencingToken int64  `json:"fencing_token"`
}

// Broadcaster publishes engine activity to the coordination store's
// pub/sub and fans inbound messages out to local consumers. It satisfies
// the engine's Events interface.
type Broadcaster struct {
	nodeID string
	store  coordstore.Store

	publishTimeout time.Duration
}

// NewBroadcaster creates a broadcaster identified by nodeID.
func NewBroadcaster(nodeID string, store coordstore.Store) *Broadcaster {
	return &Broadcaster{
		nodeID:         nodeID,
		store:          store,
		publishTimeout: 2 * time.Second,
	}
}

// Publish wraps payload in an Envelope and sends it on channel. Publish
// failures are logged, not propagated: market-data broadcast is
// best-effort and must never fail a matching operation.
func (b *Broadcaster) Publish(channel, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode broadcast payload", "channel", channel, "type", msgType, "err", err)
		return
	}
	env := Envelope{
		Type:      msgType,
		Origin:    b.nodeID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("encode broadcast envelope", "channel", channel, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	if err := b.store.Publish(ctx, channel, data); err != nil {
		slog.Warn("broadcast publish failed", "channel", channel, "type", msgType, "err", err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(channel).Inc()
}

// Subscribe delivers envelopes published on channel to fn until ctx is
// cancelled, dropping messages this node published itself.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string, fn func(Envelope)) error {
	return b.store.Subscribe(ctx, channel, func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("drop malformed broadcast", "channel", channel, "err", err)
			return
		}
		if env.Origin == b.nodeID {
			return
		}
		fn(env)
	})
}

// TradeExecuted implements engine.Events.
func (b *Broadcaster) TradeExecuted(t model.Trade) {
	b.Publish(ChannelTrades, "trade", t)
}

// DepthChanged implements engine.Events.
func (b *Broadcaster) DepthChanged(snap book.DepthSnapshot) {
	b.Publish(ChannelDepth, "depth", snap)
}

// StatsChanged implements engine.Events.
func (b *Broadcaster) StatsChanged(st book.Stats) {
	b.Publish(ChannelStats, "stats", st)
}
