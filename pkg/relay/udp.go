package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/session"
	"github.com/buhuipao/tuicd/pkg/wire"
)

// ErrIPv6Disabled is returned by EgressDialer.Dial when a target resolves
// to an IPv6 address but udp_relay_ipv6 is false (spec.md §6).
var ErrIPv6Disabled = errors.New("ipv6 udp relay disabled")

// EgressDialer opens the OS-level UDP socket a server-side association
// uses to reach its target, choosing the socket family from the resolved
// address per spec.md §4.5.
type EgressDialer struct {
	AllowIPv6 bool
}

// Dial resolves addr and connects a UDP socket to it.
func (d EgressDialer) Dial(addr wire.Address) (net.Conn, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("resolve udp target: %w", err)
	}

	network := "udp4"
	if resolved.IP.To4() == nil {
		network = "udp6"
		if !d.AllowIPv6 {
			return nil, ErrIPv6Disabled
		}
	}

	return net.DialUDP(network, nil, resolved)
}

// SendCloser is the subset of a QUIC uni-stream the UDP relay needs to
// deliver one fragment.
type SendCloser interface {
	io.Writer
	Close() error
}

// PacketSink is how the UDP relay hands a framed Packet command to the
// connection that owns the client-facing QUIC connection, without this
// package importing quic-go directly. The connection supervisor in
// pkg/server implements this over a real quic.Connection.
type PacketSink interface {
	SendDatagram(payload []byte) error
	OpenUniStream() (SendCloser, error)
}

// fragmentPayload splits payload into wire-ready Packet frames no larger
// than maxPacketSize, following spec.md §4.2: only the first fragment
// carries the Address, every fragment shares pktID, and frag_total never
// exceeds 255.
func fragmentPayload(assocID, pktID uint16, addr wire.Address, payload []byte, maxPacketSize int) ([][]byte, error) {
	const preludeLen = 2 // version + command type, included in every frame
	overheadFirst := preludeLen + wire.PacketHeaderOverhead + wire.AddressEncodedLen(addr)
	overheadRest := preludeLen + wire.PacketHeaderOverhead + wire.AddressEncodedLen(wire.Address{Type: wire.AddrNone})

	firstChunk := maxPacketSize - overheadFirst
	restChunk := maxPacketSize - overheadRest
	if firstChunk <= 0 || restChunk <= 0 {
		return nil, fmt.Errorf("max_external_packet_size %d too small for address overhead", maxPacketSize)
	}

	total := 1
	if len(payload) > firstChunk {
		remaining := len(payload) - firstChunk
		total = 1 + (remaining+restChunk-1)/restChunk
	}
	if total > 0xff {
		return nil, fmt.Errorf("payload requires %d fragments, exceeds the 255 frag_total limit", total)
	}

	frames := make([][]byte, 0, total)
	offset := 0
	for fragID := 0; fragID < total; fragID++ {
		chunkLen := restChunk
		a := wire.Address{Type: wire.AddrNone}
		if fragID == 0 {
			chunkLen = firstChunk
			a = addr
		}
		if offset+chunkLen > len(payload) {
			chunkLen = len(payload) - offset
		}

		frame, err := wire.EncodePacket(assocID, pktID, uint8(total), uint8(fragID), a, payload[offset:offset+chunkLen])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		offset += chunkLen
	}
	return frames, nil
}

// DeliverToClient fragments payload and sends it to sink over mode's
// carrier (native datagrams or QUIC uni-streams), then records the bytes
// as server-to-client UDP traffic.
func DeliverToClient(sink PacketSink, mode session.TransportMode, assocID, pktID uint16, addr wire.Address, payload []byte, maxPacketSize int, counters *session.Counters) error {
	frames, err := fragmentPayload(assocID, pktID, addr, payload, maxPacketSize)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if mode == session.ModeNative {
			if err := sink.SendDatagram(frame); err != nil {
				return err
			}
			continue
		}

		stream, err := sink.OpenUniStream()
		if err != nil {
			return err
		}
		if _, err := stream.Write(frame); err != nil {
			stream.Close()
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}
	}

	counters.AddUDP(0, uint64(len(payload)))
	return nil
}

// PumpFromTarget reads datagrams off conn (the egress socket to an
// association's target) until it errors or ctx is canceled, delivering
// each one back to the client through sink. remoteAddr is attached to
// every delivered Packet as its source Address, per spec.md §4.5.
// idleTimeout, if positive, is rearmed as conn's read deadline after every
// datagram so a target that goes silent for stream_timeout unblocks this
// goroutine's Read on its own, as a backstop to the connection supervisor's
// own idle-association sweep (spec.md §3's UDP Session lifetime).
func PumpFromTarget(ctx context.Context, conn net.Conn, sess *session.UDPSession, sink PacketSink, remoteAddr wire.Address, maxPacketSize int, idleTimeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	if idleTimeout > 0 {
		SetIdleDeadline(conn, idleTimeout)
	}

	// Per spec.md §4.5, ingress reads into a buffer sized exactly
	// max_external_packet_size; a datagram that doesn't fit is truncated
	// by the read itself (a connected UDP socket silently drops whatever
	// didn't fit in the buffer for one message) and counted rather than
	// causing an error.
	buf := make([]byte, maxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}

		if idleTimeout > 0 {
			SetIdleDeadline(conn, idleTimeout)
		}
		sess.Touch()
		if n >= maxPacketSize {
			sess.MarkTruncated()
			logger.Warn("udp ingress datagram truncated", "assoc_id", sess.AssocID, "max_external_packet_size", maxPacketSize)
		}
		pktID := sess.NextPktID()
		payload := append([]byte(nil), buf[:n]...)

		if err := DeliverToClient(sink, sess.CurrentMode(), sess.AssocID, pktID, remoteAddr, payload, maxPacketSize, sess.Counters); err != nil {
			logger.Warn("udp relay delivery to client failed", "assoc_id", sess.AssocID, "err", err)
			return err
		}
	}
}

// SendToTarget writes one reassembled Packet payload to the association's
// egress socket and records it as client-to-server UDP traffic.
func SendToTarget(conn net.Conn, payload []byte, counters *session.Counters) error {
	_, err := conn.Write(payload)
	if err != nil {
		return err
	}
	counters.AddUDP(uint64(len(payload)), 0)
	return nil
}

// deadlineSetter lets tests and production code alike bound a stalled
// egress socket read, used by PumpFromTarget.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// SetIdleDeadline arms conn's read deadline lifetime from now (the caller
// passes stream_timeout), so a silent egress socket unblocks its reader
// even if the supervisor's own goroutine bookkeeping is delayed. Writes
// are not bounded by it.
func SetIdleDeadline(conn net.Conn, lifetime time.Duration) error {
	if ds, ok := conn.(deadlineSetter); ok {
		return ds.SetReadDeadline(time.Now().Add(lifetime))
	}
	return nil
}
