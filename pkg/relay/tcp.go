// Package relay implements the TCP and UDP relay data planes described in
// spec.md §4.4 and §4.5: proxying a Connect stream to its dialed target,
// and fragmenting/defragmenting Packet datagrams to and from a UDP
// association's egress socket.
//
// Grounded on the teacher's pkg/protocols/tuicproxy.go relay goroutines
// (handleTCPRelay / handleUDPRelay), generalized from a fixed SOCKS5-style
// upstream to the TUIC Address variant and from a single OS UDP socket
// model to the native-datagram/quic-uni-stream dual carrier spec.md §4.5
// requires.
package relay

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/session"
	"github.com/buhuipao/tuicd/pkg/wire"
)

// Stream is the subset of a QUIC bidirectional stream the TCP relay needs.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer abstracts outbound TCP dialing so tests can substitute a fake
// without opening real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultDialer is a plain *net.Dialer, used in production.
var DefaultDialer Dialer = &net.Dialer{}

// DialTarget resolves and dials a Connect command's Address, bounded by
// task_negotiation_timeout (spec.md §6).
func DialTarget(ctx context.Context, dialer Dialer, addr wire.Address, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(dialCtx, "tcp", addr.String())
}

// RelayTCP dials addr and pumps bytes between clientStream and the target
// until either side closes or ctx is canceled, counting every byte into
// counters. It returns the first error observed from either direction of
// the copy, or the dial error.
func RelayTCP(ctx context.Context, clientStream Stream, addr wire.Address, dialer Dialer, dialTimeout time.Duration, counters *session.Counters) error {
	target, err := DialTarget(ctx, dialer, addr, dialTimeout)
	if err != nil {
		logger.Warn("tcp relay dial failed", "target", addr.String(), "err", err)
		return err
	}
	logger.Debug("tcp relay established", "target", addr.String())
	return Pump(ctx, clientStream, target, counters)
}

// Pump copies bytes bidirectionally between clientStream and target,
// propagating half-close in both directions (spec.md §4.4's "connection
// closure on either the client stream or the target socket tears down
// the other side"): a client-side EOF triggers a TCP half-close on the
// target (CloseWrite, if the target conn supports it) instead of a full
// close, so data already in flight from the target can still arrive.
func Pump(ctx context.Context, clientStream Stream, target net.Conn, counters *session.Counters) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			target.Close()
			clientStream.Close()
		case <-done:
		}
	}()
	defer close(done)

	errCh := make(chan error, 2)

	go func() {
		n, err := io.Copy(target, clientStream)
		counters.AddTCP(uint64(n), 0)
		if cw, ok := target.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			target.Close()
		}
		errCh <- err
	}()

	go func() {
		n, err := io.Copy(clientStream, target)
		counters.AddTCP(0, uint64(n))
		clientStream.Close()
		errCh <- err
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	target.Close()
	return first
}
