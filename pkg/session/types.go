// Package session defines the data-model types shared across the TUIC
// server: the per-connection handle, its traffic counters, and the UDP
// association handle. Grounded on the teacher's TUICClient/TUICUDPSession
// structs in pkg/protocols/tuicproxy.go, split so a UDP session never holds
// a back-pointer to its owning connection (spec.md §9's cyclic-ownership
// note) — it only carries a connection id and a shared *Counters.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// ID is a monotonically allocated, process-unique connection identifier.
type ID uint64

// Counters holds the traffic totals for one connection, split by protocol
// and direction, per spec.md §3's Connection attributes.
type Counters struct {
	mu                             sync.Mutex
	tcpRx, tcpTx, udpRx, udpTx uint64
}

// AddTCP adds to the TCP rx/tx totals.
func (c *Counters) AddTCP(rx, tx uint64) {
	c.mu.Lock()
	c.tcpRx += rx
	c.tcpTx += tx
	c.mu.Unlock()
}

// AddUDP adds to the UDP rx/tx totals.
func (c *Counters) AddUDP(rx, tx uint64) {
	c.mu.Lock()
	c.udpRx += rx
	c.udpTx += tx
	c.mu.Unlock()
}

// Snapshot returns the current totals.
func (c *Counters) Snapshot() (tcpRx, tcpTx, udpRx, udpTx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcpRx, c.tcpTx, c.udpRx, c.udpTx
}

// Reset zeroes the counters, used by the administrative reset_traffic
// operation (spec.md §4.13).
func (c *Counters) Reset() {
	c.mu.Lock()
	c.tcpRx, c.tcpTx, c.udpRx, c.udpTx = 0, 0, 0, 0
	c.mu.Unlock()
}

// Connection is the registry-visible handle for one QUIC connection. It
// intentionally carries no reference to streams or the QUIC library
// connection itself — that state belongs to the supervisor goroutines;
// the registry only needs enough to authenticate, count, enumerate, and
// kick.
type Connection struct {
	ID         ID
	// TraceID is a globally unique, roughly time-sortable identifier
	// (independent of the in-process ID counter, which resets on
	// restart) surfaced in logs and the admin detailed_online listing so
	// connections can be correlated across a process restart.
	TraceID    string
	RemoteAddr net.Addr
	CreatedAt  time.Time
	Counters   *Counters

	mu      sync.Mutex
	user    uuid.UUID
	hasUser bool

	// kick closes the underlying QUIC connection with an administrative
	// close code. Supplied by the connection supervisor so the registry
	// never needs to import the QUIC transport.
	kick func(code uint64, reason string)
}

// NewConnection creates a Connection handle. kick is invoked at most once.
func NewConnection(id ID, remote net.Addr, kick func(code uint64, reason string)) *Connection {
	return &Connection{
		ID:         id,
		TraceID:    xid.New().String(),
		RemoteAddr: remote,
		CreatedAt:  time.Now(),
		Counters:   &Counters{},
		kick:       kick,
	}
}

// Authenticate marks the connection as belonging to user, per spec.md §3's
// "authenticated user UUID (unset until authenticated)" and invariant (d):
// a second call reports already-authenticated so the caller can treat it
// as a protocol error.
func (c *Connection) Authenticate(user uuid.UUID) (alreadyAuthenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasUser {
		return true
	}
	c.user = user
	c.hasUser = true
	return false
}

// User returns the authenticated user id, if any.
func (c *Connection) User() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.hasUser
}

// Kick closes the connection administratively.
func (c *Connection) Kick(code uint64, reason string) {
	c.mu.Lock()
	kick := c.kick
	c.kick = nil
	c.mu.Unlock()
	if kick != nil {
		kick(code, reason)
	}
}

// UDPSession is the per-association handle described in spec.md §3. It
// holds only a connection id and a shared pointer into that connection's
// counters, never a pointer back to the Connection itself.
type UDPSession struct {
	ConnID   ID
	AssocID  uint16
	Counters *Counters

	mu        sync.Mutex
	lastUsed  time.Time
	nextPkt   uint16
	truncated uint64

	// Mode is the ingress transport mode for this association: "native"
	// datagrams or "quic" uni-streams, chosen by the most recent egress
	// Packet's carrier (spec.md §4.5).
	Mode TransportMode
}

// TransportMode is the native/quic ingress delivery variant, per spec.md
// §9's "polymorphism over transport mode" note: a tag, not a type
// hierarchy.
type TransportMode uint8

const (
	ModeNative TransportMode = iota
	ModeQUIC
)

// NewUDPSession creates a UDP session handle bound to a connection's shared
// counters.
func NewUDPSession(connID ID, assocID uint16, counters *Counters, mode TransportMode) *UDPSession {
	return &UDPSession{
		ConnID:   connID,
		AssocID:  assocID,
		Counters: counters,
		lastUsed: time.Now(),
		Mode:     mode,
	}
}

// Touch records traffic on the session, for stream_timeout accounting.
func (s *UDPSession) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been idle.
func (s *UDPSession) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// SetMode updates the ingress transport mode, per the "most-recent-ingress
// rule" in spec.md §4.5.
func (s *UDPSession) SetMode(mode TransportMode) {
	s.mu.Lock()
	s.Mode = mode
	s.mu.Unlock()
}

// CurrentMode returns the ingress transport mode.
func (s *UDPSession) CurrentMode() TransportMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Mode
}

// NextPktID returns the next server-originated packet id for this
// session, wrapping at uint16 as spec.md §4.5 requires.
func (s *UDPSession) NextPktID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPkt
	s.nextPkt++
	return id
}

// MarkTruncated records that one ingress datagram exceeded
// max_external_packet_size and was truncated by the egress socket read,
// per spec.md §4.5 ("oversize datagrams are truncated and counted").
func (s *UDPSession) MarkTruncated() {
	s.mu.Lock()
	s.truncated++
	s.mu.Unlock()
}

// TruncatedCount returns how many ingress datagrams have been truncated.
func (s *UDPSession) TruncatedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}
