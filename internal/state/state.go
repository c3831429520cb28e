// Package state implements the gossiped metadata/state store of spec §4.5:
// a namespaced K/V map where every entry carries a per-key version vector,
// merged with componentwise-max semantics and a deterministic lexicographic
// tie-break on concurrent writes so all replicas converge (spec Design
// Notes: "the key piece that upgrades the source's scalar version").
//
// Grounded on the teacher's gossip piggyback bookkeeping (StateUpdate,
// queueBroadcast/drainBroadcast retransmission counting), generalized from a
// single scalar incarnation into a full per-key version vector store.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/tutu-network/swimd/internal/obs"

	"github.com/tutu-network/swimd/internal/wire"
)

// VV is a version vector: node_id -> local counter.
type VV map[string]uint64

func (v VV) clone() VV {
	out := make(VV, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func maxVV(a, b VV) VV {
	out := make(VV, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// dominance is the result of comparing two version vectors componentwise.
type dominance int

const (
	vvEqual dominance = iota
	vvLess            // a <= b, a != b: b is newer
	vvGreater         // a >= b, a != b: a is newer
	vvConcurrent
)

func compareVV(a, b VV) dominance {
	lessEq, greaterEq := true, true
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			lessEq = false
		}
		if av < bv {
			greaterEq = false
		}
	}
	switch {
	case lessEq && greaterEq:
		return vvEqual
	case lessEq:
		return vvLess
	case greaterEq:
		return vvGreater
	default:
		return vvConcurrent
	}
}

// entry is the internal record for one (namespace, key). Deleted entries are
// retained as tombstones so a later merge still has a version vector to
// compare against.
type entry struct {
	value   interface{}
	deleted bool
	vv      VV
}

// EventOp mirrors wire.Op for subscriber notifications.
type EventOp = wire.Op

// Event is delivered to subscribers on every applied mutation (local or
// merged), always off the StateManager lock.
type Event struct {
	Namespace string
	Key       string
	Value     interface{}
	Op        EventOp
}

// StateManager is the gossiped metadata store.
type StateManager struct {
	mu      sync.Mutex
	nodeID  string
	store   map[string]map[string]*entry
	version uint64

	subMu       sync.Mutex
	subscribers []func(Event)

	log *obs.Logger
}

// New constructs a StateManager owned by nodeID (spec §3: "a per-process
// node_id ... owns its counter"), optionally pre-seeded with namespaces.
func New(nodeID string, initial map[string]map[string]interface{}) *StateManager {
	sm := &StateManager{
		nodeID: nodeID,
		store:  make(map[string]map[string]*entry),
	}
	for ns, kv := range initial {
		for k, v := range kv {
			sm.setLocked(ns, k, v)
		}
	}
	return sm
}

// SetLogger attaches a logger used to report panicking subscriber callbacks
// (spec §7). A StateManager with no logger attached still recovers panics,
// it just drops the log line.
func (sm *StateManager) SetLogger(log *obs.Logger) { sm.log = log }

func (sm *StateManager) Subscribe(fn func(Event)) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	sm.subscribers = append(sm.subscribers, fn)
}

func (sm *StateManager) emit(ev Event) {
	sm.subMu.Lock()
	subs := make([]func(Event), len(sm.subscribers))
	copy(subs, sm.subscribers)
	sm.subMu.Unlock()
	for _, fn := range subs {
		sm.dispatchOne(fn, ev)
	}
}

func (sm *StateManager) dispatchOne(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			sm.log.Error("metadata subscriber panicked", map[string]any{"op": ev.Op, "panic": r})
		}
	}()
	fn(ev)
}

// Set writes ns/key, no-op if value deep-equals the current live value
// (spec §4.5). Bumps the local VV component and the global version counter.
// Returns whether the write actually changed anything.
func (sm *StateManager) Set(ns, key string, value interface{}) bool {
	sm.mu.Lock()
	ev, changed := sm.setLocked(ns, key, value)
	sm.mu.Unlock()
	if changed {
		sm.emit(ev)
	}
	return changed
}

func (sm *StateManager) setLocked(ns, key string, value interface{}) (Event, bool) {
	kv, ok := sm.store[ns]
	if !ok {
		kv = make(map[string]*entry)
		sm.store[ns] = kv
	}
	e, ok := kv[key]
	if ok && !e.deleted && reflect.DeepEqual(e.value, value) {
		return Event{}, false
	}
	if !ok {
		e = &entry{vv: make(VV)}
		kv[key] = e
	}
	e.value = value
	e.deleted = false
	e.vv[sm.nodeID]++
	sm.version++
	return Event{Namespace: ns, Key: key, Value: value, Op: wire.OpSet}, true
}

// Delete removes ns/key, no-op if absent or already deleted. Returns whether
// the key actually transitioned from live to deleted.
func (sm *StateManager) Delete(ns, key string) bool {
	sm.mu.Lock()
	kv, ok := sm.store[ns]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	e, ok := kv[key]
	if !ok || e.deleted {
		sm.mu.Unlock()
		return false
	}
	e.deleted = true
	e.value = nil
	e.vv[sm.nodeID]++
	sm.version++
	sm.mu.Unlock()

	sm.emit(Event{Namespace: ns, Key: key, Op: wire.OpDelete})
	return true
}

// Get reads ns/key. It takes the StateManager mutex briefly for a consistent
// read, so reads are not lock-free and wait behind any mutation in progress.
func (sm *StateManager) Get(ns, key string) (interface{}, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	kv, ok := sm.store[ns]
	if !ok {
		return nil, false
	}
	e, ok := kv[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Version returns the global monotonic mutation counter.
func (sm *StateManager) Version() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.version
}

// Snapshot returns the full live state plus version vectors, version, and a
// checksum over the sorted serialization of state (spec §4.5).
func (sm *StateManager) Snapshot() wire.Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked()
}

func (sm *StateManager) snapshotLocked() wire.Snapshot {
	stateOut := make(map[string]map[string]interface{}, len(sm.store))
	vvOut := make(map[string]map[string]uint64)
	tombstonesOut := make(map[string][]string)
	for ns, kv := range sm.store {
		nsOut := make(map[string]interface{})
		for key, e := range kv {
			vvOut[vvKey(ns, key)] = map[string]uint64(e.vv.clone())
			if e.deleted {
				tombstonesOut[ns] = append(tombstonesOut[ns], key)
			} else {
				nsOut[key] = e.value
			}
		}
		if len(nsOut) > 0 {
			stateOut[ns] = nsOut
		}
	}
	return wire.Snapshot{
		State:          stateOut,
		VersionVectors: vvOut,
		Tombstones:     tombstonesOut,
		Version:        sm.version,
		Checksum:       checksum(stateOut),
	}
}

func vvKey(ns, key string) string { return ns + ":" + key }

// checksum computes a stable digest over the canonical (sorted) serialization
// of state. encoding/json sorts map keys at every level, so two stores with
// equal content always hash identically regardless of insertion order.
func checksum(state map[string]map[string]interface{}) string {
	namespaces := make([]string, 0, len(state))
	for ns := range state {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	var buf bytes.Buffer
	for _, ns := range namespaces {
		keys := make([]string, 0, len(state[ns]))
		for k := range state[ns] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b, _ := json.Marshal(state[ns][k])
			buf.WriteString(ns)
			buf.WriteByte(0)
			buf.WriteString(k)
			buf.WriteByte(0)
			buf.Write(b)
			buf.WriteByte('\n')
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// MergeUpdate applies each incremental update using the causal-dominance
// rule of spec §4.5: skip if the remote VV is dominated by (or equal to)
// the local VV; otherwise adopt it, with a deterministic lexicographic
// tie-break on concurrent (incomparable) version vectors.
func (sm *StateManager) MergeUpdate(updates []wire.StateUpdate) int {
	var events []Event
	sm.mu.Lock()
	for _, u := range updates {
		if ev, ok := sm.mergeOneLocked(u); ok {
			events = append(events, ev)
		}
	}
	sm.mu.Unlock()
	for _, ev := range events {
		sm.emit(ev)
	}
	return len(events)
}

func (sm *StateManager) mergeOneLocked(u wire.StateUpdate) (Event, bool) {
	kv, ok := sm.store[u.Namespace]
	if !ok {
		kv = make(map[string]*entry)
		sm.store[u.Namespace] = kv
	}
	local, ok := kv[u.Key]
	if !ok {
		local = &entry{vv: make(VV)}
		kv[u.Key] = local
	}
	remoteVV := VV(u.VV)

	switch compareVV(local.vv, remoteVV) {
	case vvEqual, vvGreater:
		return Event{}, false
	case vvLess:
		applyRemote(local, u)
	case vvConcurrent:
		if remoteWins(local, u) {
			applyRemote(local, u)
		} else {
			// The local value stands; only its version vector absorbs the
			// remote write, so there is no value change to notify.
			local.vv = maxVV(local.vv, remoteVV)
			sm.version++
			return Event{}, false
		}
	}
	sm.version++
	return eventFor(u), true
}

func applyRemote(local *entry, u wire.StateUpdate) {
	local.vv = maxVV(local.vv, VV(u.VV))
	if u.Op == wire.OpDelete {
		local.deleted = true
		local.value = nil
	} else {
		local.deleted = false
		local.value = u.Value
	}
}

// remoteWins implements the deterministic tie-break for concurrent writes:
// lexicographic max of the serialized value (spec §4.5 Design Notes, and
// spec §8 scenario S6).
func remoteWins(local *entry, u wire.StateUpdate) bool {
	localBytes := serializeForTieBreak(local.deleted, local.value)
	remoteBytes := serializeForTieBreak(u.Op == wire.OpDelete, u.Value)
	return bytes.Compare(remoteBytes, localBytes) > 0
}

func serializeForTieBreak(deleted bool, value interface{}) []byte {
	if deleted {
		return nil
	}
	b, _ := json.Marshal(value)
	return b
}

func eventFor(u wire.StateUpdate) Event {
	return Event{Namespace: u.Namespace, Key: u.Key, Value: u.Value, Op: u.Op}
}

// ApplySnapshot validates snap's checksum and, if it is newer than the local
// version, replaces the whole store with it (spec §4.5). Returns whether the
// snapshot was applied.
func (sm *StateManager) ApplySnapshot(snap wire.Snapshot) bool {
	if checksum(snap.State) != snap.Checksum {
		return false
	}

	sm.mu.Lock()
	if snap.Version <= sm.version {
		sm.mu.Unlock()
		return false
	}
	before := sm.snapshotLocked()
	sm.replaceLocked(snap)
	sm.mu.Unlock()

	for _, ev := range diffEvents(before.State, snap.State) {
		sm.emit(ev)
	}
	return true
}

func (sm *StateManager) replaceLocked(snap wire.Snapshot) {
	newStore := make(map[string]map[string]*entry, len(snap.State))
	nsFor := func(ns string) map[string]*entry {
		kv, ok := newStore[ns]
		if !ok {
			kv = make(map[string]*entry)
			newStore[ns] = kv
		}
		return kv
	}
	for ns, kv := range snap.State {
		for key, value := range kv {
			vv := VV(snap.VersionVectors[vvKey(ns, key)]).clone()
			nsFor(ns)[key] = &entry{value: value, vv: vv}
		}
	}
	for ns, keys := range snap.Tombstones {
		for _, key := range keys {
			vv := VV(snap.VersionVectors[vvKey(ns, key)]).clone()
			nsFor(ns)[key] = &entry{deleted: true, vv: vv}
		}
	}
	sm.store = newStore
	sm.version = snap.Version
}

// diffEvents computes a set notification for every key whose value changed
// or was added, and a delete notification for every key removed, between
// before and after.
func diffEvents(before, after map[string]map[string]interface{}) []Event {
	var out []Event
	seen := make(map[string]bool)

	for ns, kv := range after {
		for key, v := range kv {
			if ov, ok := before[ns][key]; !ok || !reflect.DeepEqual(ov, v) {
				out = append(out, Event{Namespace: ns, Key: key, Value: v, Op: wire.OpSet})
			}
			seen[vvKey(ns, key)] = true
		}
	}
	for ns, kv := range before {
		for key := range kv {
			if !seen[vvKey(ns, key)] {
				if _, ok := after[ns][key]; !ok {
					out = append(out, Event{Namespace: ns, Key: key, Op: wire.OpDelete})
				}
			}
		}
	}
	return out
}
