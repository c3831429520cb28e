// Package transport implements the unreliable-datagram transport contract
// of spec §4.2: a UDP socket with best-effort, unordered, possibly-duplicated
// delivery, a single receive loop that decodes inbound datagrams and
// publishes typed events, and non-blocking send/broadcast helpers.
//
// Grounded on the teacher's gossip.SWIM.Start/receiveLoop/sendMessage: a real
// net.UDPConn, a 1s SetReadDeadline poll so Stop is observed promptly, and
// ctx-free idempotent Start/Stop guarded by an atomic running flag.
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tutu-network/swimd/internal/domain"
	"github.com/tutu-network/swimd/internal/wire"
)

// EventKind tags the event published on a Transport's event channel.
type EventKind uint8

const (
	EventMessageReceived EventKind = iota
	EventMessageSent
	EventSendError
	EventReceiveError
	EventDecodeError
)

// Event is published for every transport-level occurrence. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	Message    *wire.Message
	RemoteAddr string
	Err        error
}

// Transport binds one UDP socket and owns all reads/writes against it.
type Transport struct {
	conn    atomic.Pointer[net.UDPConn]
	running atomic.Bool

	events chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Transport. Call Start to bind and begin receiving.
func New() *Transport {
	return &Transport{
		events: make(chan Event, 256),
	}
}

// Events returns the channel events are published on. Safe for a single
// consumer (the protocol engine); the channel is never closed while running.
func (t *Transport) Events() <-chan Event { return t.events }

// Start binds host:port and launches the receive loop. Idempotent: calling
// Start while already running is a no-op.
func (t *Transport) Start(addr string) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		t.running.Store(false)
		return err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		t.running.Store(false)
		return err
	}

	t.conn.Store(conn)
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.stopOnce = sync.Once{}

	go t.receiveLoop(conn, t.stopCh, t.doneCh)
	return nil
}

// LocalAddr returns the bound address, or "" if not running.
func (t *Transport) LocalAddr() string {
	if conn := t.conn.Load(); conn != nil {
		return conn.LocalAddr().String()
	}
	return ""
}

// Stop closes the socket and waits (up to 1s beyond the poll interval) for
// the receive loop to exit. Idempotent: calling Stop while already stopped
// is a no-op. A subsequent Start on the same address is then possible.
func (t *Transport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.stopOnce.Do(func() { close(t.stopCh) })
	if conn := t.conn.Swap(nil); conn != nil {
		conn.Close()
	}
	<-t.doneCh
}

// SendMessage encodes and sends msg to addr. Returns false on any
// encode/send failure; failures are non-fatal (spec §7: transient transport
// error) and are also published as a SendError event.
func (t *Transport) SendMessage(msg *wire.Message, addr string) bool {
	conn := t.conn.Load()
	if conn == nil {
		return false
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		t.publish(Event{Kind: EventSendError, Err: err, RemoteAddr: addr})
		return false
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		t.publish(Event{Kind: EventSendError, Err: err, RemoteAddr: addr})
		return false
	}
	if _, err := conn.WriteToUDP(raw, udpAddr); err != nil {
		if !t.running.Load() {
			// Socket-closed errors after Stop are silently absorbed (spec §4.2).
			return false
		}
		t.publish(Event{Kind: EventSendError, Err: err, RemoteAddr: addr})
		return false
	}
	t.publish(Event{Kind: EventMessageSent, Message: msg, RemoteAddr: addr})
	return true
}

// BroadcastMessage sends msg to every address in addrs, returning the count
// that were accepted by SendMessage.
func (t *Transport) BroadcastMessage(msg *wire.Message, addrs []domain.Address) int {
	sent := 0
	for _, a := range addrs {
		if t.SendMessage(msg, string(a)) {
			sent++
		}
	}
	return sent
}

func (t *Transport) publish(ev Event) {
	select {
	case t.events <- ev:
	default:
		// Event channel saturated; drop rather than block the hot path.
		// Mirrors spec §5's "missed ticks coalesce, no unbounded queue".
	}
}

func (t *Transport) receiveLoop(conn *net.UDPConn, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	buf := make([]byte, wire.MaxDatagramSize)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
			}
			t.publish(Event{Kind: EventReceiveError, Err: err})
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		msg, err := wire.Decode(raw)
		if err != nil {
			t.publish(Event{Kind: EventDecodeError, Err: err, RemoteAddr: remote.String()})
			continue
		}
		if msg == nil {
			// Unknown kind or malformed shape: dropped per spec §4.1, and
			// reported so the drop is counted.
			t.publish(Event{Kind: EventDecodeError, Err: domain.ErrDecodeFailed, RemoteAddr: remote.String()})
			continue
		}
		t.publish(Event{Kind: EventMessageReceived, Message: msg, RemoteAddr: remote.String()})
	}
}
