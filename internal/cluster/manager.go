package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/foresight/exchange-core/internal/coordstore"
	"github.com/foresight/exchange-core/internal/metrics"
)

// Authority is the component whose writes are gated on leadership: the
// matching engine. Suspend must leave it rejecting writes until Resume
// has rebuilt state from durable storage.
type Authority interface {
	Suspend()
	Resume(ctx context.Context) error
}

// Manager ties the election to the matching authority: elected terms
// resume matching from a durable snapshot, lost terms suspend it
// immediately, and both are announced on the cluster events channel.
// It satisfies the engine's Gate interface.
type Manager struct {
	nodeID    string
	addr      string
	lockTTL   time.Duration
	election  *Election
	broadcast *Broadcaster
	authority Authority
}

// ManagerConfig configures cluster membership for one node.
type ManagerConfig struct {
	NodeID  string
	Addr    string
	LockTTL time.Duration
}

// NewManager wires the election callbacks to the authority. authority
// may be nil in read-only deployments.
func NewManager(cfg ManagerConfig, store coordstore.Store, broadcast *Broadcaster, authority Authority) *Manager {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	m := &Manager{
		nodeID:    cfg.NodeID,
		addr:      cfg.Addr,
		lockTTL:   lockTTL,
		broadcast: broadcast,
		authority: authority,
	}
	m.election = NewElection(ElectionConfig{
		NodeID:  cfg.NodeID,
		Addr:    cfg.Addr,
		LockTTL: cfg.LockTTL,
	}, store, m.onElected, m.onDemoted)
	return m
}

// Run drives the election loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) { m.election.Run(ctx) }

// IsLeader implements engine.Gate.
func (m *Manager) IsLeader() bool { return m.election.IsLeader() }

// NodeID returns this node's identity.
func (m *Manager) NodeID() string { return m.nodeID }

// FencingToken returns the current term's token, or 0 on followers.
func (m *Manager) FencingToken() int64 { return m.election.FencingToken() }

// Leader returns the current lock holder, or ErrNoLeader.
func (m *Manager) Leader(ctx context.Context) (*LeaderInfo, error) {
	return m.election.Leader(ctx)
}

func (m *Manager) onElected(token int64) {
	metrics.IsLeader.Set(1)
	metrics.LeadershipTransitions.WithLabelValues("elected").Inc()
	if m.authority != nil {
		// Resume runs on the election goroutine and so stalls renewals
		// while it loads; its deadline must stay well inside the lock
		// TTL or the lock can expire mid-reload.
		ctx, cancel := context.WithTimeout(context.Background(), m.lockTTL/3)
		err := m.authority.Resume(ctx)
		cancel()
		if err != nil {
			// A leader that cannot load state must not match.
			slog.Error("resume after election failed, abdicating", "node", m.nodeID, "err", err)
			m.election.demote()
			return
		}
		// Confirm the lock survived the reload before any matching
		// happens. A failed renewal demotes and suspends the authority.
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok := m.election.renew(rctx)
		rcancel()
		if !ok {
			slog.Error("leader lock lost during resume, abdicating", "node", m.nodeID)
			return
		}
	}
	if m.broadcast != nil {
		m.broadcast.Publish(ChannelEvents, EventLeadershipChanged, LeadershipChanged{
			LeaderID:     m.nodeID,
			LeaderAddr:   m.addr,
			FencingToken: token,
		})
	}
}

func (m *Manager) onDemoted() {
	metrics.IsLeader.Set(0)
	metrics.LeadershipTransitions.WithLabelValues("demoted").Inc()
	if m.authority != nil {
		m.authority.Suspend()
	}
}
