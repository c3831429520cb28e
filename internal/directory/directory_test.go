package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/swimd/internal/domain"
)

func TestDirectory_Add_IdempotentByAddress(t *testing.T) {
	d := New("self:1", time.Now())

	var mu sync.Mutex
	joined := 0
	d.Subscribe(func(ev Event) {
		if ev.Kind == EventMemberJoined {
			mu.Lock()
			joined++
			mu.Unlock()
		}
	})

	if !d.Add("a:1", 0, time.Now()) {
		t.Error("first Add should return true")
	}
	if d.Add("a:1", 0, time.Now()) {
		t.Error("second Add of same address should return false")
	}
	if d.Size() != 2 { // self + a:1
		t.Errorf("Size() = %d, want 2", d.Size())
	}
	mu.Lock()
	defer mu.Unlock()
	if joined != 1 {
		t.Errorf("joined events = %d, want exactly 1", joined)
	}
}

func TestDirectory_Remove_Idempotent(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 0, time.Now())

	_, ok := d.Remove("a:1")
	if !ok {
		t.Fatal("first Remove should succeed")
	}
	_, ok = d.Remove("a:1")
	if ok {
		t.Error("second Remove should be a no-op")
	}
}

func TestDirectory_UpdateStatus_NeverDowngradesAtEqualIncarnation(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 3, time.Now())
	d.UpdateStatus("a:1", domain.StatusDead, 3, time.Now())

	changed := d.UpdateStatus("a:1", domain.StatusAlive, 3, time.Now())
	if changed {
		t.Error("status should not downgrade at equal incarnation")
	}
	m, _ := d.Get("a:1")
	if m.Status != domain.StatusDead {
		t.Errorf("status = %v, want dead", m.Status)
	}
}

func TestDirectory_UpdateStatus_HigherIncarnationRefutes(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 3, time.Now())
	d.UpdateStatus("a:1", domain.StatusSuspect, 3, time.Now())

	changed := d.UpdateStatus("a:1", domain.StatusAlive, 4, time.Now())
	if !changed {
		t.Error("higher incarnation should refute suspicion")
	}
	m, _ := d.Get("a:1")
	if m.Status != domain.StatusAlive || m.Incarnation != 4 {
		t.Errorf("got status=%v incarnation=%d, want alive/4", m.Status, m.Incarnation)
	}
}

func TestDirectory_UpdateStatus_EmitsCorrectEventKinds(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 0, time.Now())

	var kinds []EventKind
	var mu sync.Mutex
	d.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	d.UpdateStatus("a:1", domain.StatusSuspect, 0, time.Now())
	d.UpdateStatus("a:1", domain.StatusAlive, 1, time.Now())
	d.UpdateStatus("a:1", domain.StatusDead, 2, time.Now())

	mu.Lock()
	defer mu.Unlock()
	want := []EventKind{EventMemberSuspected, EventMemberRecovered, EventMemberFailed}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(kinds), kinds, want)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event[%d] = %v, want %v", i, kinds[i], k)
		}
	}
}

func TestDirectory_PeerViews_ExcludeSelf(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 0, time.Now())
	d.UpdateStatus("self:1", domain.StatusSuspect, 999, time.Now())

	for _, p := range d.AlivePeers() {
		if p.Address == "self:1" {
			t.Error("AlivePeers must exclude self")
		}
	}
	for _, p := range d.SuspectPeers() {
		if p.Address == "self:1" {
			t.Error("SuspectPeers must exclude self")
		}
	}
	if len(d.AlivePeers()) != 1 || d.AlivePeers()[0].Address != "a:1" {
		t.Errorf("AlivePeers() = %+v, want [a:1]", d.AlivePeers())
	}
}

func TestDirectory_BroadcastTargets_ExcludesSelfAndDead(t *testing.T) {
	d := New("self:1", time.Now())
	d.Add("a:1", 0, time.Now())
	d.Add("b:1", 0, time.Now())
	d.UpdateStatus("b:1", domain.StatusDead, 99, time.Now())

	targets := d.BroadcastTargets()
	if len(targets) != 1 || targets[0] != "a:1" {
		t.Errorf("BroadcastTargets() = %v, want [a:1]", targets)
	}
}

func TestDirectory_CheckTimeouts_AliveToSuspectEmitsEvent(t *testing.T) {
	d := New("self:1", time.Now())
	now := time.Now()
	d.Add("a:1", 0, now)
	d.MarkPinged("a:1", now)

	var got []EventKind
	d.Subscribe(func(ev Event) { got = append(got, ev.Kind) })

	transitioned := d.CheckTimeouts(now.Add(time.Second), 500*time.Millisecond, 5*time.Second)
	if len(transitioned) != 1 || transitioned[0] != "a:1" {
		t.Fatalf("CheckTimeouts() = %v, want [a:1]", transitioned)
	}
	if len(got) != 1 || got[0] != EventMemberSuspected {
		t.Errorf("events = %v, want [member_suspected]", got)
	}
}

func TestDirectory_RemovalEligible(t *testing.T) {
	d := New("self:1", time.Now())
	now := time.Now()
	d.Add("a:1", 0, now)
	d.UpdateStatus("a:1", domain.StatusDead, 1, now)

	if len(d.RemovalEligible(now.Add(time.Second), 30*time.Second)) != 0 {
		t.Error("should not be removal-eligible before grace period")
	}
	eligible := d.RemovalEligible(now.Add(31*time.Second), 30*time.Second)
	if len(eligible) != 1 || eligible[0] != "a:1" {
		t.Errorf("RemovalEligible() = %v, want [a:1]", eligible)
	}
}
