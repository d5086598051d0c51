// Package registry implements the process-wide user table and session
// registry described in spec.md §4.6: the user UUID→password table
// (read-only after startup, per spec.md §5) and the live
// user→connections / connection-id→handle index that backs the
// administrative surface (enumerate, kick, per-user limits).
//
// Grounded on the teacher's pkg/common/credential package for the
// store-and-validate shape, generalized from a single group/password pair
// to a full UUID-keyed user table, and on
// pkg/common/monitoring/metrics.go's MetricsManager for the
// lazily-aggregated counter bookkeeping. Concurrency follows spec.md §5:
// one mutex per user entry rather than one lock for the whole registry, so
// many concurrent authentications across different users don't contend.
package registry

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/session"
)

// ErrAuthFailed is returned for unknown users, bad passwords, and
// per-user connection limit rejections alike, per spec.md §7's AuthFailed
// error kind.
var ErrAuthFailed = fmt.Errorf("authentication failed")

// UserTable is the read-only-after-load UUID→password table.
type UserTable struct {
	passwords map[uuid.UUID][]byte
}

// NewUserTable parses the uuid-string→password map from configuration.
func NewUserTable(users map[string]string) (*UserTable, error) {
	t := &UserTable{passwords: make(map[uuid.UUID][]byte, len(users))}
	for idStr, password := range users {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid user uuid %q: %w", idStr, err)
		}
		t.passwords[id] = []byte(password)
	}
	return t, nil
}

// Password returns the configured password bytes for a user, if any.
func (t *UserTable) Password(id uuid.UUID) ([]byte, bool) {
	p, ok := t.passwords[id]
	return p, ok
}

// userShard is the per-user fine-grained guard: every registry operation
// touching one user's connections takes only this lock, never a
// registry-wide one.
type userShard struct {
	mu    sync.Mutex
	conns map[session.ID]*session.Connection

	// residual* accumulate the counters of connections that have already
	// disconnected, so Enumerate can report a lifetime total without
	// holding every dead connection's handle forever.
	residualTCPRx, residualTCPTx, residualUDPRx, residualUDPTx uint64
}

// Registry is the live session registry. Zero value is not usable; use
// New.
type Registry struct {
	maxPerUser int

	mu     sync.RWMutex // guards only the shards map's existence, not its contents
	shards map[uuid.UUID]*userShard
}

// New creates a Registry. maxPerUser <= 0 means unlimited, per spec.md
// §6's maximum_clients_per_user default of 0.
func New(maxPerUser int) *Registry {
	return &Registry{
		maxPerUser: maxPerUser,
		shards:     make(map[uuid.UUID]*userShard),
	}
}

func (r *Registry) shardFor(user uuid.UUID) *userShard {
	r.mu.RLock()
	s, ok := r.shards[user]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shards[user]; ok {
		return s
	}
	s = &userShard{conns: make(map[session.ID]*session.Connection)}
	r.shards[user] = s
	return s
}

// Add registers conn under user, enforcing maximum_clients_per_user.
// Invariant (e) from spec.md §3 holds immediately after a successful Add.
func (r *Registry) Add(user uuid.UUID, conn *session.Connection) error {
	s := r.shardFor(user)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.maxPerUser > 0 && len(s.conns) >= r.maxPerUser {
		logger.Warn("rejecting connection: user at connection limit", "user", user, "limit", r.maxPerUser)
		return ErrAuthFailed
	}

	s.conns[conn.ID] = conn
	logger.Info("registry: connection added", "user", user, "conn_id", conn.ID, "count", len(s.conns))
	return nil
}

// Remove drops conn from the registry, folding its final counters into
// the user's residual total.
func (r *Registry) Remove(user uuid.UUID, conn *session.Connection) {
	s := r.shardFor(user)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn.ID]; !ok {
		return
	}
	delete(s.conns, conn.ID)

	tcpRx, tcpTx, udpRx, udpTx := conn.Counters.Snapshot()
	s.residualTCPRx += tcpRx
	s.residualTCPTx += tcpTx
	s.residualUDPRx += udpRx
	s.residualUDPTx += udpTx

	logger.Info("registry: connection removed", "user", user, "conn_id", conn.ID, "count", len(s.conns))
}

// Count returns the number of live connections for user.
func (r *Registry) Count(user uuid.UUID) int {
	s := r.shardFor(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Entry is one row of Enumerate's result.
type Entry struct {
	User         uuid.UUID
	Online       int
	Endpoints    []string
	TraceIDs     []string
	TCPRx, TCPTx uint64
	UDPRx, UDPTx uint64
}

// Enumerate lists every user the registry holds an entry for (any user
// ever passed to Add, Remove, Count or Kick, live or not), with its
// current online count and lifetime traffic totals (live connections'
// counters plus the residual from disconnected ones).
func (r *Registry) Enumerate() []Entry {
	r.mu.RLock()
	users := make([]uuid.UUID, 0, len(r.shards))
	shards := make([]*userShard, 0, len(r.shards))
	for u, s := range r.shards {
		users = append(users, u)
		shards = append(shards, s)
	}
	r.mu.RUnlock()

	entries := make([]Entry, 0, len(users))
	for i, u := range users {
		s := shards[i]
		s.mu.Lock()
		e := Entry{
			User:   u,
			Online: len(s.conns),
			TCPRx:  s.residualTCPRx,
			TCPTx:  s.residualTCPTx,
			UDPRx:  s.residualUDPRx,
			UDPTx:  s.residualUDPTx,
		}
		for _, c := range s.conns {
			tcpRx, tcpTx, udpRx, udpTx := c.Counters.Snapshot()
			e.TCPRx += tcpRx
			e.TCPTx += tcpTx
			e.UDPRx += udpRx
			e.UDPTx += udpTx
			e.Endpoints = append(e.Endpoints, c.RemoteAddr.String())
			e.TraceIDs = append(e.TraceIDs, c.TraceID)
		}
		s.mu.Unlock()
		entries = append(entries, e)
	}
	return entries
}

// Kick closes every live connection for each user in users with the
// administrative close code, and returns how many connections were
// signaled. The connections remove themselves from the registry via
// Remove once their close completes (spec.md §4.6).
func (r *Registry) Kick(users []uuid.UUID, code uint64, reason string) int {
	n := 0
	for _, u := range users {
		s := r.shardFor(u)
		s.mu.Lock()
		for _, c := range s.conns {
			c.Kick(code, reason)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ResetTraffic zeroes every counter, live and residual, globally — per
// spec.md §9's resolution of the ambiguous reset_traffic scope.
func (r *Registry) ResetTraffic() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		s.mu.Lock()
		s.residualTCPRx, s.residualTCPTx, s.residualUDPRx, s.residualUDPTx = 0, 0, 0, 0
		for _, c := range s.conns {
			c.Counters.Reset()
		}
		s.mu.Unlock()
	}
}

// ConstantTimeEqual compares two byte slices in constant time, used by the
// authentication gate and the admin bearer-token check alike.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
