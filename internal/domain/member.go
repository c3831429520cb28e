package domain

import "time"

// Status is a member's failure-detector lifecycle state.
// Severity order: StatusAlive < StatusSuspect < StatusDead.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// severity returns the ordering used by Invariant 1: higher is worse.
func (s Status) severity() int { return int(s) }

// Member is per-peer membership state (spec §3).
type Member struct {
	Address     Address
	Incarnation uint64
	Status      Status

	LastStateChangeAt time.Time
	LastResponseAt    time.Time

	// PendingPingAt is the zero Time when no probe is outstanding.
	PendingPingAt time.Time
}

// NewMember constructs a freshly-discovered member, alive at incarnation inc.
func NewMember(addr Address, inc uint64, now time.Time) *Member {
	return &Member{
		Address:           addr,
		Incarnation:       inc,
		Status:            StatusAlive,
		LastStateChangeAt: now,
		LastResponseAt:    now,
	}
}

// Update applies spec §3 Invariant 1: a member's status tracks the highest
// {incarnation, severity} pair observed. It reports whether anything changed.
func (m *Member) Update(newStatus Status, newIncarnation uint64, now time.Time) bool {
	if newIncarnation > m.Incarnation {
		m.Incarnation = newIncarnation
		m.applyStatus(newStatus, now)
		return true
	}
	if newIncarnation == m.Incarnation && newStatus.severity() > m.Status.severity() {
		m.applyStatus(newStatus, now)
		return true
	}
	return false
}

func (m *Member) applyStatus(newStatus Status, now time.Time) {
	if newStatus != m.Status {
		m.Status = newStatus
		m.LastStateChangeAt = now
	}
	if newStatus != StatusAlive {
		m.PendingPingAt = time.Time{}
	}
}

// MarkPinged records that a probe was just sent and is awaiting reply.
func (m *Member) MarkPinged(now time.Time) {
	m.PendingPingAt = now
}

// MarkResponded clears any outstanding probe and refreshes LastResponseAt.
// It does not by itself change Status — callers apply Update separately.
func (m *Member) MarkResponded(now time.Time) {
	m.PendingPingAt = time.Time{}
	m.LastResponseAt = now
}

// CheckTimeouts evaluates the three timeout rules of spec §4.3 and applies
// any resulting status transition. It reports whether a transition occurred.
func (m *Member) CheckTimeouts(now time.Time, pingTimeout, suspectTimeout time.Duration) bool {
	switch m.Status {
	case StatusAlive:
		if !m.PendingPingAt.IsZero() && now.Sub(m.PendingPingAt) > pingTimeout {
			m.Status = StatusSuspect
			m.LastStateChangeAt = now
			m.PendingPingAt = time.Time{}
			return true
		}
	case StatusSuspect:
		if now.Sub(m.LastStateChangeAt) > suspectTimeout {
			m.Status = StatusDead
			m.LastStateChangeAt = now
			return true
		}
	case StatusDead:
		// Eligible for removal; removal itself is the directory's job.
	}
	return false
}

// EligibleForRemoval reports whether a dead member has sat past the removal
// grace period (spec §4.3, T_dead).
func (m *Member) EligibleForRemoval(now time.Time, deadGrace time.Duration) bool {
	return m.Status == StatusDead && now.Sub(m.LastStateChangeAt) > deadGrace
}

// Snapshot returns a copy safe for external readers (spec §5: "external
// callers may read immutable Member snapshots but not mutate them").
func (m *Member) Snapshot() Member { return *m }
