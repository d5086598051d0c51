// Package fragment reassembles UDP Packet fragments and garbage-collects
// incomplete ones. It generalizes the per-client packetAssemblers map and
// cleanupExpiredAssemblers sweep from the teacher repository's
// pkg/protocols/tuicproxy.go into a connection/association/packet-keyed
// table shared by every UDP session on a connection.
package fragment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/wire"
)

// Key identifies one in-flight reassembly, per spec.md §3's Fragment
// Entry: (connection id, assoc_id, pkt_id).
type Key struct {
	ConnID  uint64
	AssocID uint16
	PktID   uint16
}

type entry struct {
	fragTotal uint8
	received  map[uint8][]byte
	addr      wire.Address
	firstSeen time.Time
}

// Assembler holds every in-flight fragment entry for a process. Entries
// are addressed by connection id so one assembler can be shared across
// all connections, matching the spec's "fragment-GC sweep shared across
// sessions" concurrency note.
type Assembler struct {
	lifetime time.Duration
	interval time.Duration

	mu      sync.Mutex
	entries map[Key]*entry

	dropped   atomic.Int64
	duplicate atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup

	onDrop func()
}

// New creates an Assembler. Call Start to begin the GC sweep.
func New(lifetime, interval time.Duration) *Assembler {
	return &Assembler{
		lifetime: lifetime,
		interval: interval,
		entries:  make(map[Key]*entry),
		stopCh:   make(chan struct{}),
	}
}

// OnDrop registers a callback invoked once per fragment entry reaped by
// the GC sweep, in addition to the internal DroppedCount. The server uses
// this to feed the admin/Prometheus fragment-dropped counter (spec.md
// §4.11) without this package importing pkg/metrics.
func (a *Assembler) OnDrop(fn func()) {
	a.mu.Lock()
	a.onDrop = fn
	a.mu.Unlock()
}

// Start launches the background GC sweep (spec.md §4.2's "background sweep
// running every gc_interval").
func (a *Assembler) Start() {
	a.wg.Add(1)
	go a.gcLoop()
}

// Stop halts the GC sweep and blocks until it has exited.
func (a *Assembler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// DroppedCount returns how many fragment entries have been reaped for
// exceeding gc_lifetime, for the admin/metrics surface.
func (a *Assembler) DroppedCount() int64 { return a.dropped.Load() }

// DuplicateCount returns how many duplicate fragments have been discarded.
func (a *Assembler) DuplicateCount() int64 { return a.duplicate.Load() }

// Feed ingests one fragment. On completion it returns the concatenated
// payload and the Address carried by fragment 0, with complete=true.
// Duplicate fragments (frag_id already filled for this pkt_id) are
// discarded silently, matching the idempotence property in spec.md §8: the
// same fragment delivered twice yields one result, never two, and never an
// error on its own.
func (a *Assembler) Feed(connID uint64, hdr wire.PacketHeader, payload []byte) (data []byte, addr wire.Address, complete bool, err error) {
	key := Key{ConnID: connID, AssocID: hdr.AssocID, PktID: hdr.PktID}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[key]
	if !ok {
		e = &entry{
			fragTotal: hdr.FragTotal,
			received:  make(map[uint8][]byte, hdr.FragTotal),
			firstSeen: time.Now(),
		}
		a.entries[key] = e
	} else if e.fragTotal != hdr.FragTotal {
		return nil, wire.Address{}, false, fragmentRejected("frag_total mismatch: have %d, got %d", e.fragTotal, hdr.FragTotal)
	}

	if _, dup := e.received[hdr.FragID]; dup {
		a.duplicate.Add(1)
		logger.Debug("dropped duplicate fragment", "conn_id", connID, "assoc_id", hdr.AssocID, "pkt_id", hdr.PktID, "frag_id", hdr.FragID)
		return nil, wire.Address{}, false, nil
	}

	buf := append([]byte(nil), payload...)
	e.received[hdr.FragID] = buf
	if hdr.HasAddress() {
		e.addr = hdr.Address
	}

	if len(e.received) != int(e.fragTotal) {
		return nil, wire.Address{}, false, nil
	}

	delete(a.entries, key)

	var out []byte
	for i := uint8(0); i < e.fragTotal; i++ {
		frag, ok := e.received[i]
		if !ok {
			// Unreachable: len(received) == fragTotal and every index is
			// distinct by construction of the map, but guard anyway.
			return nil, wire.Address{}, false, fragmentRejected("missing fragment %d at completion", i)
		}
		out = append(out, frag...)
	}
	return out, e.addr, true, nil
}

// DropAssoc discards every in-flight entry for one (connID, assocID),
// called on an explicit Dissociate (spec.md §4.5).
func (a *Assembler) DropAssoc(connID uint64, assocID uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.entries {
		if k.ConnID == connID && k.AssocID == assocID {
			delete(a.entries, k)
		}
	}
}

// DropConn discards every in-flight entry for a connection, called on
// connection close.
func (a *Assembler) DropConn(connID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.entries {
		if k.ConnID == connID {
			delete(a.entries, k)
		}
	}
}

func (a *Assembler) gcLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Assembler) sweep() {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for k, e := range a.entries {
		if now.Sub(e.firstSeen) > a.lifetime {
			delete(a.entries, k)
			a.dropped.Add(1)
			logger.Debug("dropped expired fragment entry", "conn_id", k.ConnID, "assoc_id", k.AssocID, "pkt_id", k.PktID)
			if a.onDrop != nil {
				a.onDrop()
			}
		}
	}
}

type rejectedErr struct{ msg string }

func (e *rejectedErr) Error() string { return "fragment rejected: " + e.msg }

func fragmentRejected(format string, args ...any) error {
	return &rejectedErr{msg: fmt.Sprintf(format, args...)}
}
