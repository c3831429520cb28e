package state

import (
	"testing"

	"github.com/tutu-network/swimd/internal/wire"
)

func TestStateManager_SetGet(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "k", "v1")

	v, ok := sm.Get("default", "k")
	if !ok || v != "v1" {
		t.Fatalf("Get() = (%v, %v), want (v1, true)", v, ok)
	}
}

func TestStateManager_Set_NoOpOnDeepEqualValue(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "k", "v1")
	before := sm.Version()

	sm.Set("default", "k", "v1")
	if sm.Version() != before {
		t.Error("Set with deep-equal value should be a no-op (version unchanged)")
	}
}

func TestStateManager_Delete_NoOpIfAbsent(t *testing.T) {
	sm := New("node-a", nil)
	before := sm.Version()
	sm.Delete("default", "missing")
	if sm.Version() != before {
		t.Error("Delete of absent key should be a no-op")
	}
}

func TestStateManager_Delete_RemovesValue(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "k", "v1")
	sm.Delete("default", "k")

	if _, ok := sm.Get("default", "k"); ok {
		t.Error("Get should miss after Delete")
	}
}

func TestStateManager_Snapshot_ChecksumStableAcrossInstances(t *testing.T) {
	sm1 := New("node-a", nil)
	sm1.Set("default", "k1", "v1")
	sm1.Set("default", "k2", "v2")

	sm2 := New("node-b", nil)
	sm2.Set("default", "k2", "v2")
	sm2.Set("default", "k1", "v1")

	if sm1.Snapshot().Checksum != sm2.Snapshot().Checksum {
		t.Error("equal state built in different orders should checksum identically")
	}
}

func TestStateManager_MergeUpdate_SkipsStaleUpdate(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "k", "v1")
	snapVV := sm.Snapshot().VersionVectors["default:k"]

	// Remote claims a VV that is dominated by what we already have.
	sm.MergeUpdate([]wire.StateUpdate{
		{Namespace: "default", Key: "k", Value: "stale", Op: wire.OpSet, VV: map[string]uint64{"node-a": snapVV["node-a"]}},
	})

	v, _ := sm.Get("default", "k")
	if v != "v1" {
		t.Errorf("stale update should not overwrite: got %v, want v1", v)
	}
}

func TestStateManager_MergeUpdate_AppliesNewerUpdate(t *testing.T) {
	sm := New("node-a", nil)
	sm.MergeUpdate([]wire.StateUpdate{
		{Namespace: "default", Key: "k", Value: "from-remote", Op: wire.OpSet, VV: map[string]uint64{"node-b": 1}},
	})

	v, ok := sm.Get("default", "k")
	if !ok || v != "from-remote" {
		t.Fatalf("Get() = (%v, %v), want (from-remote, true)", v, ok)
	}
}

func TestStateManager_MergeUpdate_ConcurrentWritesConverge(t *testing.T) {
	// Simulates S6: A writes "A" (vv node-a:1), C writes "C" (vv node-c:1),
	// concurrently (neither VV dominates the other). Tie-break picks the
	// lexicographically greater serialized value: "C" > "A".
	a := New("node-a", nil)
	a.Set("default", "k", "A")

	c := New("node-c", nil)
	c.Set("default", "k", "C")

	a.MergeUpdate([]wire.StateUpdate{
		{Namespace: "default", Key: "k", Value: "C", Op: wire.OpSet, VV: map[string]uint64{"node-c": 1}},
	})
	c.MergeUpdate([]wire.StateUpdate{
		{Namespace: "default", Key: "k", Value: "A", Op: wire.OpSet, VV: map[string]uint64{"node-a": 1}},
	})

	av, _ := a.Get("default", "k")
	cv, _ := c.Get("default", "k")
	if av != "C" || cv != "C" {
		t.Errorf("got a=%v c=%v, want both to converge on C", av, cv)
	}
}

func TestStateManager_ApplySnapshot_RejectsBadChecksum(t *testing.T) {
	sm := New("node-a", nil)
	snap := wire.Snapshot{
		State:    map[string]map[string]interface{}{"default": {"k": "v"}},
		Version:  100,
		Checksum: "not-a-real-checksum",
	}
	if sm.ApplySnapshot(snap) {
		t.Error("ApplySnapshot should reject a bad checksum")
	}
}

func TestStateManager_ApplySnapshot_RejectsOlderVersion(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "k", "v1")
	sm.Set("default", "k", "v2")

	older := New("node-b", nil)
	older.Set("default", "k", "stale")
	staleSnap := older.Snapshot()

	if sm.ApplySnapshot(staleSnap) {
		t.Error("ApplySnapshot should reject a snapshot with version <= local")
	}
	v, _ := sm.Get("default", "k")
	if v != "v2" {
		t.Errorf("local value should be unchanged, got %v", v)
	}
}

func TestStateManager_ApplySnapshot_ReplacesWhenNewer(t *testing.T) {
	sm := New("node-a", nil)
	sm.Set("default", "old", "gone-after-apply")

	producer := New("node-b", nil)
	producer.Set("default", "k", "v1")
	producer.Set("default", "k", "v2")
	newer := producer.Snapshot()

	if !sm.ApplySnapshot(newer) {
		t.Fatal("ApplySnapshot should accept a strictly newer snapshot")
	}
	v, ok := sm.Get("default", "k")
	if !ok || v != "v2" {
		t.Errorf("Get(k) = (%v,%v), want (v2,true)", v, ok)
	}
	if _, ok := sm.Get("default", "old"); ok {
		t.Error("whole-store replace should drop keys not present in the new snapshot")
	}
}

func TestStateManager_InitialMetadata(t *testing.T) {
	sm := New("node-a", map[string]map[string]interface{}{
		"default": {"seeded": "yes"},
	})
	v, ok := sm.Get("default", "seeded")
	if !ok || v != "yes" {
		t.Fatalf("Get(seeded) = (%v,%v), want (yes,true)", v, ok)
	}
}

func TestStateManager_Subscribers_NotifiedOnSetAndDelete(t *testing.T) {
	sm := New("node-a", nil)
	var events []Event
	sm.Subscribe(func(ev Event) { events = append(events, ev) })

	sm.Set("default", "k", "v1")
	sm.Delete("default", "k")

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Op != wire.OpSet || events[1].Op != wire.OpDelete {
		t.Errorf("got ops %v/%v, want set/delete", events[0].Op, events[1].Op)
	}
}
