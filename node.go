// Package swimd wires the membership directory, gossiped state store, and
// protocol engine into one node handle (spec §6, the external API surface).
package swimd

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutu-network/swimd/internal/config"
	"github.com/tutu-network/swimd/internal/directory"
	"github.com/tutu-network/swimd/internal/domain"
	"github.com/tutu-network/swimd/internal/obs"
	"github.com/tutu-network/swimd/internal/protocol"
	"github.com/tutu-network/swimd/internal/state"
	"github.com/tutu-network/swimd/internal/transport"
	"github.com/tutu-network/swimd/internal/wire"
)

// Node is one running cluster member: a bound UDP transport, a membership
// directory, a gossiped metadata store, and the protocol engine driving them.
type Node struct {
	cfg    config.Config
	self   domain.Address
	nodeID string

	dir    *directory.Directory
	sm     *state.StateManager
	tr     *transport.Transport
	engine *protocol.Engine

	log     *obs.Logger
	tracer  *obs.Tracer
	metrics *obs.Metrics
	reg     *prometheus.Registry

	running atomic.Bool
}

// Create builds a Node from cfg without starting it. Returns
// domain.ErrInvalidAddress if cfg's bind address or any seed is malformed.
func Create(cfg config.Config) (*Node, error) {
	self, err := domain.ParseAddress(cfg.BindAddr())
	if err != nil {
		return nil, err
	}

	seeds := make([]domain.Address, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		addr, err := domain.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, addr)
	}

	now := time.Now()
	nodeID := uuid.New().String()

	dir := directory.New(self, now)
	sm := state.New(nodeID, cfg.InitialMetadata)
	tr := transport.New()
	log := obs.NewLogger(obs.ParseLevel(cfg.LogLevel))
	tracer := obs.NewTracer(obs.DefaultTracerConfig())
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	dir.SetLogger(log)
	sm.SetLogger(log)

	engine := protocol.New(cfg.Timing, self, seeds, dir, sm, tr, log, tracer, metrics)

	return &Node{
		cfg:     cfg,
		self:    self,
		nodeID:  nodeID,
		dir:     dir,
		sm:      sm,
		tr:      tr,
		engine:  engine,
		log:     log,
		tracer:  tracer,
		metrics: metrics,
		reg:     reg,
	}, nil
}

// Start binds the node's transport and begins the protocol cycle. Idempotent:
// returns domain.ErrAlreadyRunning if already started.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRunning
	}
	if err := n.engine.Start(n.cfg.BindAddr()); err != nil {
		n.running.Store(false)
		return err
	}
	n.log.Info("node started", map[string]any{"self": n.self, "node_id": n.nodeID})
	return nil
}

// Stop halts the protocol cycle and releases the transport. Idempotent:
// returns domain.ErrNotRunning if not started.
func (n *Node) Stop() error {
	if !n.running.CompareAndSwap(true, false) {
		return domain.ErrNotRunning
	}
	n.engine.Stop()
	n.log.Info("node stopped", map[string]any{"self": n.self})
	return nil
}

// SelfAddress returns the node's own address.
func (n *Node) SelfAddress() domain.Address { return n.self }

// AliveMembers returns every peer currently believed alive (self excluded).
func (n *Node) AliveMembers() []domain.Member { return n.dir.AlivePeers() }

// SuspectMembers returns every peer currently suspected.
func (n *Node) SuspectMembers() []domain.Member { return n.dir.SuspectPeers() }

// DeadMembers returns every peer currently believed dead.
func (n *Node) DeadMembers() []domain.Member { return n.dir.DeadPeers() }

// Members returns every known member, including self.
func (n *Node) Members() []domain.Member { return n.dir.Members() }

// GetMetadata reads namespace/key from the gossiped metadata store.
func (n *Node) GetMetadata(namespace, key string) (interface{}, bool) {
	return n.sm.Get(namespace, key)
}

// SetMetadata writes namespace/key locally and disseminates the change to
// the rest of the cluster (spec §4.5, §6). Returns false without gossiping
// if value deep-equals the current live value (spec's no-op rule).
func (n *Node) SetMetadata(namespace, key string, value interface{}) bool {
	if !n.sm.Set(namespace, key, value) {
		return false
	}
	n.gossipLatest(namespace, key, wire.OpSet, value)
	return true
}

// DeleteMetadata removes namespace/key and disseminates the deletion.
// Returns false without gossiping if the key was already absent or deleted.
func (n *Node) DeleteMetadata(namespace, key string) bool {
	if !n.sm.Delete(namespace, key) {
		return false
	}
	n.gossipLatest(namespace, key, wire.OpDelete, nil)
	return true
}

// gossipLatest reads back the entry's freshly-bumped version vector from a
// snapshot and hands it to the engine for broadcast + piggyback dissemination.
func (n *Node) gossipLatest(namespace, key string, op wire.Op, value interface{}) {
	vv := n.sm.Snapshot().VersionVectors[namespace+":"+key]
	n.engine.Gossip(wire.StateUpdate{Namespace: namespace, Key: key, Value: value, Op: op, VV: vv})
}

// OnMemberChange subscribes fn to every membership transition (spec §6).
func (n *Node) OnMemberChange(fn func(directory.Event)) { n.dir.Subscribe(fn) }

// OnMetadataChange subscribes fn to every applied metadata mutation, local
// or merged from a peer (spec §6).
func (n *Node) OnMetadataChange(fn func(state.Event)) { n.sm.Subscribe(fn) }

// Metrics returns the node's prometheus registry for ad hoc inspection (spec
// Non-goals excludes an HTTP introspection endpoint; the registry itself
// remains available to an embedding caller).
func (n *Node) Metrics() *prometheus.Registry { return n.reg }
