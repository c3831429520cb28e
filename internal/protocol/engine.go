// Package protocol implements the SWIM failure-detector engine of spec §4.6:
// the probe tick, timeout sweep, anti-entropy tick, indirect-probe fan-out,
// join procedure, and every message handler, wired on top of
// internal/transport, internal/directory, and internal/state.
//
// Grounded on the teacher's gossip.SWIM: the same ticker-driven cycle
// (probeCycle/reapSuspects) and receive-loop dispatch (handleMessage), but
// generalized from a single piggyback MsgState into first-class
// suspect/alive/dead/members/state_sync handlers, and from the teacher's
// blocking per-sequence-number ack wait into the no-in-band-wait model spec
// §4.6 calls for: the sweep alone detects timeouts, and ack handlers clear a
// member's pending-probe marker and un-suspect it instead of waking a waiting
// prober.
package protocol

import (
	"sync"
	"time"

	"github.com/tutu-network/swimd/internal/config"
	"github.com/tutu-network/swimd/internal/directory"
	"github.com/tutu-network/swimd/internal/domain"
	"github.com/tutu-network/swimd/internal/obs"
	"github.com/tutu-network/swimd/internal/state"
	"github.com/tutu-network/swimd/internal/transport"
	"github.com/tutu-network/swimd/internal/wire"
)

// relay tracks one helper-side ping_req awaiting the target's ack so it can
// be relayed back to the requester as a ping_ack (spec §4.6 "Indirect probe").
type relay struct {
	requester domain.Address
	createdAt time.Time
}

// Engine drives the SWIM protocol cycle for one node.
type Engine struct {
	timing config.Timing
	self   domain.Address
	seeds  []domain.Address

	dir *directory.Directory
	sm  *state.StateManager
	tr  *transport.Transport

	log     *obs.Logger
	tracer  *obs.Tracer
	metrics *obs.Metrics

	startedAt             time.Time
	bootstrapWarningShown bool

	relayMu sync.Mutex
	relays  map[domain.Address][]relay

	gossipMu       sync.Mutex
	pendingGossip  []wire.StateUpdate
	retransmitLeft map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// lambdaGossipFactor bounds piggyback retransmissions at lambda*log2(N+1)
// rounds per update (spec Design Notes; teacher's gossip.Config.Lambda, same
// default of 3).
const lambdaGossipFactor = 3

// New constructs an Engine. Call Start to bind the transport and begin the
// protocol cycle.
func New(timing config.Timing, self domain.Address, seeds []domain.Address, dir *directory.Directory, sm *state.StateManager, tr *transport.Transport, log *obs.Logger, tracer *obs.Tracer, metrics *obs.Metrics) *Engine {
	return &Engine{
		timing:         timing,
		self:           self,
		seeds:          seeds,
		dir:            dir,
		sm:             sm,
		tr:             tr,
		log:            log,
		tracer:         tracer,
		metrics:        metrics,
		relays:         make(map[domain.Address][]relay),
		retransmitLeft: make(map[string]int),
	}
}

// Gossip disseminates a locally-originated metadata change: an immediate
// standalone state_update broadcast to every non-dead peer, plus piggyback
// attachment onto outgoing ping/ack traffic for lambda*logN further rounds
// as a convergence backstop (spec §4.5, Design Notes).
func (e *Engine) Gossip(u wire.StateUpdate) {
	e.broadcast(&wire.Message{Kind: wire.KindStateUpdate, Updates: []wire.StateUpdate{u}}, e.dir.BroadcastTargets())
	e.metrics.GossipSent.Inc()
	e.queuePiggyback(u)
}

func (e *Engine) queuePiggyback(u wire.StateUpdate) {
	e.gossipMu.Lock()
	defer e.gossipMu.Unlock()
	e.pendingGossip = append(e.pendingGossip, u)
	e.retransmitLeft[u.Namespace+":"+u.Key] = lambdaGossipFactor * e.logN()
}

// drainPiggyback returns the updates still owed retransmissions, decrementing
// each one's remaining count (spec Design Notes; teacher's drainBroadcast).
func (e *Engine) drainPiggyback() []wire.StateUpdate {
	e.gossipMu.Lock()
	defer e.gossipMu.Unlock()
	if len(e.pendingGossip) == 0 {
		return nil
	}

	out := make([]wire.StateUpdate, 0, len(e.pendingGossip))
	remaining := e.pendingGossip[:0]
	for _, u := range e.pendingGossip {
		key := u.Namespace + ":" + u.Key
		out = append(out, u)
		e.retransmitLeft[key]--
		if e.retransmitLeft[key] > 0 {
			remaining = append(remaining, u)
		} else {
			delete(e.retransmitLeft, key)
		}
	}
	e.pendingGossip = remaining
	return out
}

// logN returns ceil(log2(N+1)) over the current directory size, the
// dissemination fan-out bound spec Design Notes allows ("may instead pick
// O(log n) fan-out"), matching the teacher's logN().
func (e *Engine) logN() int {
	n := e.dir.Size() + 1
	l := 1
	for 1<<l < n {
		l++
	}
	return l
}

// Start binds the transport, launches the receive-event loop and the three
// periodic tasks, and dials any configured seeds (spec §4.6 "Join procedure").
func (e *Engine) Start(bindAddr string) error {
	if err := e.tr.Start(bindAddr); err != nil {
		return err
	}
	e.startedAt = time.Now()
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.eventLoop()

	e.wg.Add(1)
	go e.runTicker(e.timing.ProbeInterval, e.probeTick)

	e.wg.Add(1)
	go e.runTicker(e.timing.ProbeInterval, e.timeoutSweep)

	e.wg.Add(1)
	go e.runTicker(e.timing.SyncInterval, e.antiEntropyTick)

	e.dialSeeds()
	return nil
}

// Stop halts the periodic tasks and the transport, waiting up to 2s for the
// worker goroutines to exit (spec §7: non-fatal shutdown, logged if slow).
// Calling Stop again before the next Start is a no-op.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	select {
	case <-e.stopCh:
		return
	default:
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.log.Warn("protocol workers did not exit within shutdown deadline", nil)
	}

	e.tr.Stop()
}

func (e *Engine) runTicker(interval time.Duration, fn func()) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-e.tr.Events():
			if !ok {
				return
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessageReceived:
		e.handleMessage(ev.Message)
	case transport.EventDecodeError:
		e.metrics.DecodeErrors.Inc()
		e.log.Debug("dropped malformed datagram", map[string]any{"remote": ev.RemoteAddr, "err": ev.Err})
	case transport.EventReceiveError:
		e.log.Warn("transport receive error", map[string]any{"err": ev.Err})
	case transport.EventSendError:
		e.log.Debug("transport send error", map[string]any{"remote": ev.RemoteAddr, "err": ev.Err})
	}
}

func (e *Engine) send(msg *wire.Message, addr domain.Address) bool {
	msg.Sender = string(e.self)
	msg.Timestamp = wire.Now()
	return e.tr.SendMessage(msg, string(addr))
}

func (e *Engine) broadcast(msg *wire.Message, targets []domain.Address) {
	msg.Sender = string(e.self)
	msg.Timestamp = wire.Now()
	e.tr.BroadcastMessage(msg, targets)
}

// ─── Periodic tasks ─────────────────────────────────────────────────────────

// probeTick picks one alive peer with no outstanding probe and pings it
// directly (spec §4.6 "Probe tick").
func (e *Engine) probeTick() {
	target, ok := e.dir.RandomAliveNoPending()
	if !ok {
		return
	}
	span := e.tracer.StartSpan(obs.SpanProbe, "probe_tick", map[string]string{"target": string(target)})
	e.dir.MarkPinged(target, time.Now())
	e.metrics.ProbesSent.Inc()
	e.send(&wire.Message{Kind: wire.KindPing, Target: string(target), Updates: e.drainPiggyback()}, target)
	e.tracer.EndSpan(span, nil)
}

// timeoutSweep runs domain.Member.CheckTimeouts over the directory, reacting
// to any alive->suspect or suspect->dead transition, then sweeps any dead
// member that still lingers past the removal grace as a defensive backstop
// (spec §4.3 T_dead; ordinarily dead members are removed immediately below).
func (e *Engine) timeoutSweep() {
	now := time.Now()
	for _, addr := range e.dir.CheckTimeouts(now, e.timing.PingTimeout, e.timing.SuspectTimeout) {
		m, ok := e.dir.Get(addr)
		if !ok {
			continue
		}
		switch m.Status {
		case domain.StatusSuspect:
			e.metrics.Suspicions.Inc()
			e.broadcast(&wire.Message{Kind: wire.KindSuspect, Target: string(addr), Incarnation: m.Incarnation}, e.dir.BroadcastTargets())
			go e.indirectProbe(addr)
		case domain.StatusDead:
			e.metrics.Deaths.Inc()
			e.broadcast(&wire.Message{Kind: wire.KindDead, Target: string(addr), Incarnation: m.Incarnation}, e.dir.BroadcastTargets())
			e.dir.Remove(addr)
		}
	}

	for _, addr := range e.dir.RemovalEligible(now, e.timing.DeadRemovalGrace) {
		e.dir.Remove(addr)
	}
	e.sweepStaleRelays(now)
}

// antiEntropyTick exchanges a full state snapshot with one random alive
// peer, and opportunistically retries seed join while the directory remains
// single-node (spec §4.6 "Anti-entropy tick", "Join procedure").
func (e *Engine) antiEntropyTick() {
	if peer, ok := e.dir.RandomAlivePeer(); ok {
		span := e.tracer.StartSpan(obs.SpanGossip, "anti_entropy_tick", map[string]string{"peer": string(peer)})
		e.metrics.AntiEntropyRounds.Inc()
		e.send(&wire.Message{Kind: wire.KindStateSync, Snapshot: snapshotPtr(e.sm.Snapshot())}, peer)
		e.tracer.EndSpan(span, nil)
	}

	if e.dir.Size() == 1 && len(e.seeds) > 0 {
		e.dialSeeds()
		if !e.bootstrapWarningShown && time.Since(e.startedAt) > e.timing.BootstrapTimeout {
			e.bootstrapWarningShown = true
			e.log.Warn("no seed responded within bootstrap timeout, continuing as single-node cluster", map[string]any{"seeds": e.seeds})
		}
	}
}

func snapshotPtr(s wire.Snapshot) *wire.Snapshot { return &s }

// indirectProbe asks up to IndirectFanout random alive peers to ping target
// on our behalf (spec §4.6 "Indirect probe").
func (e *Engine) indirectProbe(target domain.Address) {
	helpers := e.dir.RandomAlivePeers(e.timing.IndirectFanout, target)
	for _, helper := range helpers {
		e.metrics.IndirectProbes.Inc()
		e.send(&wire.Message{Kind: wire.KindPingReq, Target: string(target), Helper: string(e.self)}, helper)
	}
}

func (e *Engine) dialSeeds() {
	for _, seed := range e.seeds {
		if seed == e.self {
			continue
		}
		e.send(&wire.Message{Kind: wire.KindJoin}, seed)
	}
}

func (e *Engine) sweepStaleRelays(now time.Time) {
	e.relayMu.Lock()
	defer e.relayMu.Unlock()
	ttl := e.timing.PingReqTimeout * 4
	for target, pending := range e.relays {
		fresh := pending[:0]
		for _, r := range pending {
			if now.Sub(r.createdAt) <= ttl {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) == 0 {
			delete(e.relays, target)
		} else {
			e.relays[target] = fresh
		}
	}
}

// ─── Message dispatch ───────────────────────────────────────────────────────

func (e *Engine) handleMessage(msg *wire.Message) {
	sender := domain.Address(msg.Sender)
	if sender == e.self {
		return
	}

	if len(msg.Updates) > 0 {
		if applied := e.sm.MergeUpdate(msg.Updates); applied > 0 {
			e.metrics.GossipMerged.Add(float64(applied))
		}
	}

	switch msg.Kind {
	case wire.KindJoin:
		e.handleJoin(msg, sender)
	case wire.KindAck:
		e.handleAck(msg, sender)
	case wire.KindPing:
		e.handlePing(msg, sender)
	case wire.KindPingReq:
		e.handlePingReq(msg, sender)
	case wire.KindPingAck:
		e.handlePingAck(msg, sender)
	case wire.KindSuspect:
		e.handleSuspect(msg, sender)
	case wire.KindAlive:
		e.handleAlive(msg, sender)
	case wire.KindDead:
		e.handleDead(msg, sender)
	case wire.KindMembers:
		e.handleMembers(msg, sender)
	case wire.KindStateSync:
		e.handleStateSync(msg)
	}
}

func (e *Engine) handleJoin(_ *wire.Message, sender domain.Address) {
	now := time.Now()
	e.dir.Discover(sender, now)
	m, _ := e.dir.Get(sender)

	e.send(&wire.Message{Kind: wire.KindAck, Target: string(sender)}, sender)
	e.send(&wire.Message{Kind: wire.KindMembers, Members: addressStrings(e.dir.AllAddresses())}, sender)

	targets := e.dir.BroadcastTargets()
	others := make([]domain.Address, 0, len(targets))
	for _, a := range targets {
		if a != sender {
			others = append(others, a)
		}
	}
	e.broadcast(&wire.Message{Kind: wire.KindAlive, Target: string(sender), Incarnation: m.Incarnation}, others)
}

func (e *Engine) handlePing(_ *wire.Message, sender domain.Address) {
	e.dir.Discover(sender, time.Now())
	e.send(&wire.Message{Kind: wire.KindAck, Target: string(sender), Updates: e.drainPiggyback()}, sender)
}

func (e *Engine) handleAck(_ *wire.Message, sender domain.Address) {
	e.metrics.AcksReceived.Inc()
	e.dir.Discover(sender, time.Now())
	e.relayIfPending(sender)
}

// relayIfPending checks whether target has any ping_req requesters awaiting
// a relay (spec §4.6 "Indirect probe"), and sends each a ping_ack.
func (e *Engine) relayIfPending(target domain.Address) {
	e.relayMu.Lock()
	pending := e.relays[target]
	delete(e.relays, target)
	e.relayMu.Unlock()

	for _, r := range pending {
		e.send(&wire.Message{Kind: wire.KindPingAck, Target: string(target), Helper: string(e.self)}, r.requester)
	}
}

func (e *Engine) handlePingReq(msg *wire.Message, sender domain.Address) {
	target := domain.Address(msg.Target)
	if target == e.self || target == "" {
		return
	}
	e.relayMu.Lock()
	e.relays[target] = append(e.relays[target], relay{requester: sender, createdAt: time.Now()})
	e.relayMu.Unlock()
	e.send(&wire.Message{Kind: wire.KindPing, Target: string(target)}, target)
}

func (e *Engine) handlePingAck(msg *wire.Message, _ domain.Address) {
	e.metrics.AcksReceived.Inc()
	e.dir.ConfirmAlive(domain.Address(msg.Target), time.Now())
}

func (e *Engine) handleSuspect(msg *wire.Message, _ domain.Address) {
	target := domain.Address(msg.Target)
	if target == e.self {
		e.refuteSelf()
		return
	}
	now := time.Now()
	if e.dir.UpdateStatus(target, domain.StatusSuspect, msg.Incarnation, now) {
		e.metrics.Suspicions.Inc()
		go e.indirectProbe(target)
	}
}

func (e *Engine) handleAlive(msg *wire.Message, _ domain.Address) {
	target := domain.Address(msg.Target)
	now := time.Now()
	m, ok := e.dir.Get(target)
	if !ok {
		e.dir.UpdateStatus(target, domain.StatusAlive, msg.Incarnation, now)
		return
	}
	if m.Status == domain.StatusSuspect && msg.Incarnation >= m.Incarnation {
		e.dir.ForceAlive(target, msg.Incarnation, now)
		return
	}
	e.dir.UpdateStatus(target, domain.StatusAlive, msg.Incarnation, now)
}

func (e *Engine) handleDead(msg *wire.Message, _ domain.Address) {
	target := domain.Address(msg.Target)
	if target == e.self {
		e.refuteSelf()
		return
	}
	if e.dir.UpdateStatus(target, domain.StatusDead, msg.Incarnation, time.Now()) {
		e.metrics.Deaths.Inc()
		e.dir.Remove(target)
	}
}

// refuteSelf bumps our own incarnation and broadcasts an alive claim,
// overriding whatever suspect/dead claim about us just arrived (spec §4.6
// "self-refutation").
func (e *Engine) refuteSelf() {
	newInc := e.dir.BumpSelfIncarnation()
	e.broadcast(&wire.Message{Kind: wire.KindAlive, Target: string(e.self), Incarnation: newInc}, e.dir.BroadcastTargets())
}

func (e *Engine) handleMembers(msg *wire.Message, _ domain.Address) {
	now := time.Now()
	for _, addrStr := range msg.Members {
		addr := domain.Address(addrStr)
		if addr == e.self {
			continue
		}
		if _, ok := e.dir.Get(addr); !ok {
			e.dir.Add(addr, 0, now)
		}
	}
}

func (e *Engine) handleStateSync(msg *wire.Message) {
	if msg.Snapshot == nil {
		return
	}
	e.sm.ApplySnapshot(*msg.Snapshot)
}

func addressStrings(addrs []domain.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
