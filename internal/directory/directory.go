// Package directory implements the thread-safe membership table of spec §4.4:
// an address -> Member map plus a designated self member, status transitions
// that honor domain.Member's incarnation/severity invariant, and subscription
// events dispatched off the directory lock (spec Design Notes: "the
// reimplementation should copy the event payload, release the lock, and
// dispatch to subscribers off-lock to avoid re-entrant deadlock").
package directory

import (
	"math/rand"
	"sync"
	"time"

	"github.com/tutu-network/swimd/internal/domain"
	"github.com/tutu-network/swimd/internal/obs"
)

// EventKind classifies a membership change published to subscribers.
type EventKind int

const (
	EventMemberJoined EventKind = iota
	EventMemberLeft
	EventMemberSuspected
	EventMemberFailed
	EventMemberRecovered
)

func (k EventKind) String() string {
	switch k {
	case EventMemberJoined:
		return "member_joined"
	case EventMemberLeft:
		return "member_left"
	case EventMemberSuspected:
		return "member_suspected"
	case EventMemberFailed:
		return "member_failed"
	case EventMemberRecovered:
		return "member_recovered"
	default:
		return "unknown"
	}
}

// Event is the payload delivered to subscribers. It is a value copy, safe to
// read without holding any lock.
type Event struct {
	Kind      EventKind
	Member    domain.Member
	OldStatus domain.Status
}

// Directory is the thread-safe membership table.
type Directory struct {
	mu      sync.RWMutex
	self    domain.Address
	members map[domain.Address]*domain.Member

	subMu       sync.Mutex
	subscribers []func(Event)

	log *obs.Logger
}

// New constructs a Directory whose self member starts alive at incarnation 0.
func New(self domain.Address, now time.Time) *Directory {
	d := &Directory{
		self:    self,
		members: make(map[domain.Address]*domain.Member),
	}
	d.members[self] = domain.NewMember(self, 0, now)
	return d
}

// SetLogger attaches a logger used to report panicking subscriber callbacks
// (spec §7: "caught per callback, logged, other callbacks still invoked").
// A Directory with no logger attached still recovers panics, it just drops
// the log line.
func (d *Directory) SetLogger(log *obs.Logger) { d.log = log }

// Self returns a snapshot of the local member.
func (d *Directory) Self() domain.Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.members[d.self].Snapshot()
}

// SelfAddress returns the local address.
func (d *Directory) SelfAddress() domain.Address { return d.self }

// Subscribe registers fn to be invoked for every subsequent event. Callbacks
// run synchronously, one after another on the caller's goroutine, but never
// under the directory lock; a panicking subscriber does not crash the caller
// or stop later subscribers from running, while a slow one delays both
// (spec §7: "caught per callback, logged, other callbacks still invoked").
func (d *Directory) Subscribe(fn func(Event)) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

func (d *Directory) emit(ev Event) {
	d.subMu.Lock()
	subs := make([]func(Event), len(d.subscribers))
	copy(subs, d.subscribers)
	d.subMu.Unlock()

	for _, fn := range subs {
		d.dispatchOne(fn, ev)
	}
}

func (d *Directory) dispatchOne(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("member change subscriber panicked", map[string]any{"kind": ev.Kind, "panic": r})
		}
	}()
	fn(ev)
}

// Add inserts a brand-new member if addr is absent. Idempotent by address:
// returns false (no-op) if the address is already present, including self.
func (d *Directory) Add(addr domain.Address, incarnation uint64, now time.Time) bool {
	d.mu.Lock()
	if _, exists := d.members[addr]; exists {
		d.mu.Unlock()
		return false
	}
	m := domain.NewMember(addr, incarnation, now)
	d.members[addr] = m
	snap := m.Snapshot()
	d.mu.Unlock()

	d.emit(Event{Kind: EventMemberJoined, Member: snap})
	return true
}

// Get returns a snapshot of the member at addr.
func (d *Directory) Get(addr domain.Address) (domain.Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[addr]
	if !ok {
		return domain.Member{}, false
	}
	return m.Snapshot(), true
}

// Remove deletes addr from the table, idempotently. Returns the removed
// member's last snapshot, or (zero, false) if it was already absent.
func (d *Directory) Remove(addr domain.Address) (domain.Member, bool) {
	d.mu.Lock()
	m, ok := d.members[addr]
	if !ok {
		d.mu.Unlock()
		return domain.Member{}, false
	}
	snap := m.Snapshot()
	delete(d.members, addr)
	d.mu.Unlock()

	d.emit(Event{Kind: EventMemberLeft, Member: snap})
	return snap, true
}

// UpdateStatus applies domain.Member.Update's incarnation/severity rule to
// the member at addr (adding it first, alive at incarnation 0, if absent —
// the idempotent-discovery behavior spec §4.6 wants from ping/join/ack).
// It reports whether a transition occurred and emits the matching event.
func (d *Directory) UpdateStatus(addr domain.Address, newStatus domain.Status, newIncarnation uint64, now time.Time) bool {
	d.mu.Lock()
	m, ok := d.members[addr]
	if !ok {
		m = domain.NewMember(addr, 0, now)
		d.members[addr] = m
	}
	old := m.Status
	changed := m.Update(newStatus, newIncarnation, now)
	snap := m.Snapshot()
	d.mu.Unlock()

	if !ok {
		d.emit(Event{Kind: EventMemberJoined, Member: snap})
	}
	if changed {
		d.emit(Event{Kind: transitionEventKind(old, newStatus), Member: snap, OldStatus: old})
	}
	return changed
}

// MarkPinged records that addr was just probed.
func (d *Directory) MarkPinged(addr domain.Address, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[addr]; ok {
		m.MarkPinged(now)
	}
}

// MarkResponded clears addr's outstanding probe and refreshes last-response.
func (d *Directory) MarkResponded(addr domain.Address, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[addr]; ok {
		m.MarkResponded(now)
	}
}

// CheckTimeouts runs domain.Member.CheckTimeouts over every member (self
// excluded — self never times out against itself) and emits transition
// events for any that fire. Returns the addresses that transitioned.
func (d *Directory) CheckTimeouts(now time.Time, pingTimeout, suspectTimeout time.Duration) []domain.Address {
	type change struct {
		addr domain.Address
		old  domain.Status
		snap domain.Member
	}

	d.mu.Lock()
	var changes []change
	for addr, m := range d.members {
		if addr == d.self {
			continue
		}
		old := m.Status
		if m.CheckTimeouts(now, pingTimeout, suspectTimeout) {
			changes = append(changes, change{addr: addr, old: old, snap: m.Snapshot()})
		}
	}
	d.mu.Unlock()

	transitioned := make([]domain.Address, 0, len(changes))
	for _, c := range changes {
		d.emit(Event{Kind: transitionEventKind(c.old, c.snap.Status), Member: c.snap, OldStatus: c.old})
		transitioned = append(transitioned, c.addr)
	}
	return transitioned
}

// RemovalEligible returns addresses of dead members past their removal
// grace period (spec §4.3 T_dead).
func (d *Directory) RemovalEligible(now time.Time, deadGrace time.Duration) []domain.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Address
	for addr, m := range d.members {
		if addr == d.self {
			continue
		}
		if m.EligibleForRemoval(now, deadGrace) {
			out = append(out, addr)
		}
	}
	return out
}

func transitionEventKind(old, new_ domain.Status) EventKind {
	switch {
	case new_ == domain.StatusSuspect:
		return EventMemberSuspected
	case new_ == domain.StatusDead:
		return EventMemberFailed
	case new_ == domain.StatusAlive && old != domain.StatusAlive:
		return EventMemberRecovered
	default:
		return EventMemberJoined
	}
}

// AlivePeers returns alive members excluding self (spec §4.4 peer-view
// helpers: "self is always excluded from peer-view queries").
func (d *Directory) AlivePeers() []domain.Member { return d.peersWithStatus(domain.StatusAlive) }

// SuspectPeers returns suspect members excluding self.
func (d *Directory) SuspectPeers() []domain.Member { return d.peersWithStatus(domain.StatusSuspect) }

// DeadPeers returns dead members excluding self.
func (d *Directory) DeadPeers() []domain.Member { return d.peersWithStatus(domain.StatusDead) }

func (d *Directory) peersWithStatus(status domain.Status) []domain.Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Member, 0, len(d.members))
	for addr, m := range d.members {
		if addr == d.self {
			continue
		}
		if m.Status == status {
			out = append(out, m.Snapshot())
		}
	}
	return out
}

// Members returns every member including self.
func (d *Directory) Members() []domain.Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m.Snapshot())
	}
	return out
}

// BroadcastTargets returns every non-dead peer's address, excluding self
// (spec §4.6 "dissemination target selection": "all peers whose status !=
// dead"; a naive all-peers broadcast is compliant and is the default here).
func (d *Directory) BroadcastTargets() []domain.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Address, 0, len(d.members))
	for addr, m := range d.members {
		if addr == d.self {
			continue
		}
		if m.Status != domain.StatusDead {
			out = append(out, addr)
		}
	}
	return out
}

// Size returns the total member count, including self.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// AllAddresses returns every known address, including self (spec §4.6 join
// handler: "reply members(self, directory.addresses)").
func (d *Directory) AllAddresses() []domain.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Address, 0, len(d.members))
	for addr := range d.members {
		out = append(out, addr)
	}
	return out
}

// Discover records a contact with addr as proof of reachability: it adds
// addr alive at incarnation 0 if unseen, or un-suspects/clears its pending
// probe if already known (spec §4.6 join/ping/ack: "idempotent discovery").
// It reports whether addr was newly added.
func (d *Directory) Discover(addr domain.Address, now time.Time) bool {
	if d.Add(addr, 0, now) {
		return true
	}
	d.ConfirmAlive(addr, now)
	return false
}

// ConfirmAlive records direct evidence that addr is reachable right now:
// it clears any outstanding probe, refreshes last-response, and — unlike
// UpdateStatus's general incarnation/severity rule — un-suspects addr
// without requiring a higher incarnation, since a received ack is stronger,
// more immediate evidence than a gossiped claim (spec §4.6 "Indirect probe":
// "receipt of any ack or ping_ack for target clears pending_ping_at and
// restores alive status").
func (d *Directory) ConfirmAlive(addr domain.Address, now time.Time) {
	d.mu.Lock()
	m, ok := d.members[addr]
	if !ok {
		d.mu.Unlock()
		return
	}
	old := m.Status
	m.PendingPingAt = time.Time{}
	m.LastResponseAt = now
	changed := false
	if m.Status == domain.StatusSuspect {
		m.Status = domain.StatusAlive
		m.LastStateChangeAt = now
		changed = true
	}
	snap := m.Snapshot()
	d.mu.Unlock()

	if changed {
		d.emit(Event{Kind: EventMemberRecovered, Member: snap, OldStatus: old})
	}
}

// ForceAlive applies an incoming alive(target, incarnation) claim even when
// the local incarnation is merely equal (not greater): spec §4.6's alive
// handler overrides the general Invariant 1 severity rule in exactly this
// one case — "if target was suspect and inc >= current, restore alive" —
// because an explicit alive claim is stronger evidence than the passive
// suspicion inference.
func (d *Directory) ForceAlive(addr domain.Address, incarnation uint64, now time.Time) bool {
	d.mu.Lock()
	m, ok := d.members[addr]
	if !ok {
		d.mu.Unlock()
		return false
	}
	if m.Status != domain.StatusSuspect || incarnation < m.Incarnation {
		d.mu.Unlock()
		return false
	}
	old := m.Status
	if incarnation > m.Incarnation {
		m.Incarnation = incarnation
	}
	m.Status = domain.StatusAlive
	m.LastStateChangeAt = now
	m.PendingPingAt = time.Time{}
	snap := m.Snapshot()
	d.mu.Unlock()

	d.emit(Event{Kind: EventMemberRecovered, Member: snap, OldStatus: old})
	return true
}

// BumpSelfIncarnation increments the local member's incarnation (spec §4.6
// self-refutation: receiving a suspect/dead claim about self triggers this,
// followed by broadcasting alive(self, self, new_incarnation)). Returns the
// new incarnation.
func (d *Directory) BumpSelfIncarnation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	self := d.members[d.self]
	self.Incarnation++
	self.Status = domain.StatusAlive
	return self.Incarnation
}

// RandomAliveNoPending picks one random alive peer (excluding self) that has
// no outstanding probe, for the probe tick's direct-ping target selection.
func (d *Directory) RandomAliveNoPending() (domain.Address, bool) {
	d.mu.RLock()
	candidates := make([]domain.Address, 0, len(d.members))
	for addr, m := range d.members {
		if addr == d.self {
			continue
		}
		if m.Status == domain.StatusAlive && m.PendingPingAt.IsZero() {
			candidates = append(candidates, addr)
		}
	}
	d.mu.RUnlock()
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// RandomAlivePeer picks one random alive peer (excluding self), regardless of
// any outstanding probe — used by the anti-entropy tick.
func (d *Directory) RandomAlivePeer() (domain.Address, bool) {
	peers := d.AlivePeers()
	if len(peers) == 0 {
		return "", false
	}
	return peers[rand.Intn(len(peers))].Address, true
}

// RandomAlivePeers returns up to k distinct alive peers (excluding self and
// exclude), for the indirect-probe helper fan-out of spec §4.6.
func (d *Directory) RandomAlivePeers(k int, exclude domain.Address) []domain.Address {
	d.mu.RLock()
	candidates := make([]domain.Address, 0, len(d.members))
	for addr, m := range d.members {
		if addr == d.self || addr == exclude {
			continue
		}
		if m.Status == domain.StatusAlive {
			candidates = append(candidates, addr)
		}
	}
	d.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}
