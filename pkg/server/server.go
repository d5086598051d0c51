// Package server implements the TUIC connection supervisor described in
// spec.md §4.7: the QUIC accept loop, per-connection authentication state
// machine, and the three ingress pumps (bidirectional streams,
// unidirectional streams, and unreliable datagrams) that feed commands
// into the authentication gate, session registry, fragment assembler, and
// TCP/UDP relays.
//
// Grounded on the teacher's pkg/gateway/gateway.go accept-loop structure
// (one goroutine per inbound connection, context-scoped cleanup on exit)
// and pkg/protocols/tuicproxy.go's per-client command dispatch switch,
// rebuilt on top of a real quic.Listener instead of a raw net.PacketConn,
// using the quic-go API shape confirmed against
// postalsys-Muti-Metroo/internal/transport/quic.go.
package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/buhuipao/tuicd/pkg/authgate"
	"github.com/buhuipao/tuicd/pkg/config"
	"github.com/buhuipao/tuicd/pkg/fragment"
	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/metrics"
	"github.com/buhuipao/tuicd/pkg/registry"
	"github.com/buhuipao/tuicd/pkg/relay"
	"github.com/buhuipao/tuicd/pkg/session"
	"github.com/buhuipao/tuicd/pkg/wire"
)

// Close codes sent via CloseWithError, arbitrary but stable within this
// implementation so client logs can key off them.
const (
	closeCodeAuthFailed     = 0x01
	closeCodeMalformed      = 0x02
	closeCodeIdleTimeout    = 0x03
	closeCodeAdministrative = 0x04
)

// Server runs the QUIC accept loop and owns every shared, cross-connection
// dependency: the user table, registry, fragment assembler, rate-limited
// auth gate, and metrics.
type Server struct {
	cfg *config.Config

	listener  *quic.Listener
	users     *registry.UserTable
	registry  *registry.Registry
	gate      *authgate.Gate
	assembler *fragment.Assembler
	metrics   *metrics.Metrics

	dialer       relay.Dialer
	egressDialer relay.EgressDialer

	nextConnID atomic.Uint64
}

// New builds a Server listening on cfg.Server with cert presented to
// incoming QUIC handshakes.
func New(cfg *config.Config, cert tls.Certificate, m *metrics.Metrics) (*Server, error) {
	users, err := registry.NewUserTable(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("build user table: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   cfg.QUIC.ALPN,
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:        cfg.QUIC.MaxIdleTime.D(),
		KeepAlivePeriod:       cfg.QUIC.MaxIdleTime.D() / 2,
		MaxIncomingStreams:    1 << 20,
		MaxIncomingUniStreams: 1 << 20,
		EnableDatagrams:       true,
		InitialPacketSize:     uint16(cfg.QUIC.InitialMTU),
		Allow0RTT:             cfg.QUIC.ZeroRTTHandshake,
	}

	ln, err := quic.ListenAddr(cfg.Server, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server, err)
	}

	assembler := fragment.New(cfg.GCLifetime.D(), cfg.GCInterval.D())
	if m != nil {
		assembler.OnDrop(m.FragmentDropped)
	}
	assembler.Start()

	return &Server{
		cfg:          cfg,
		listener:     ln,
		users:        users,
		registry:     registry.New(cfg.MaximumClientsPerUser),
		gate:         authgate.New(users, cfg.AuthAttemptsPerMinute),
		assembler:    assembler,
		metrics:      m,
		dialer:       relay.DefaultDialer,
		egressDialer: relay.EgressDialer{AllowIPv6: cfg.UDPRelayIPv6},
	}, nil
}

// Registry exposes the live session registry for the admin surface.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Run accepts connections until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.assembler.Stop()
				return nil
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// connHandle tracks the per-connection mutable state the three ingress
// pumps share: the UDP associations opened on this connection and their
// egress sockets. It never embeds *session.Connection by value, only a
// pointer, so the registry and the pumps observe the same counters.
type connHandle struct {
	conn   quic.Connection
	handle *session.Connection

	mu     sync.Mutex
	assocs map[uint16]*session.UDPSession
	egress map[uint16]net.Conn
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	id := session.ID(s.nextConnID.Add(1))
	ch := &connHandle{
		conn:   conn,
		assocs: make(map[uint16]*session.UDPSession),
		egress: make(map[uint16]net.Conn),
	}
	ch.handle = session.NewConnection(id, conn.RemoteAddr(), func(code uint64, reason string) {
		conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("connection accepted", "conn_id", id, "remote", conn.RemoteAddr())

	go s.acceptBidiStreams(connCtx, ch)
	go s.acceptUniStreams(connCtx, ch)
	go s.receiveDatagrams(connCtx, ch)
	go s.reapIdleUDPSessions(connCtx, ch)
	go s.enforceAuthTimeout(connCtx, ch)

	<-conn.Context().Done()
	cancel()
	s.cleanupConnection(ch)
}

// enforceAuthTimeout arms a connection-level auth timer, per spec.md
// §2/§4.7 ("arms an authentication timer") and scenario 4: a client that
// completes the QUIC handshake but opens no stream and sends no datagram
// at all is closed with the auth-failed code once auth_timeout elapses,
// rather than lingering until QUIC's own max_idle_time. This is separate
// from the per-bidi-stream read deadline in handleBidiStream, which only
// bounds a stream that has actually been opened.
func (s *Server) enforceAuthTimeout(ctx context.Context, ch *connHandle) {
	timer := time.NewTimer(s.cfg.AuthTimeout.D())
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		if _, authenticated := ch.handle.User(); !authenticated {
			logger.Debug("auth timeout", "conn_id", ch.handle.ID)
			ch.handle.Kick(closeCodeAuthFailed, "authentication timeout")
		}
	}
}

// reapIdleUDPSessions destroys a connection's UDP associations that have
// seen no traffic within stream_timeout, per spec.md §3's UDP Session
// lifetime ("destroyed ... when no traffic occurs within stream_timeout").
// This is distinct from the fragment assembler's gc_lifetime sweep, which
// only reaps incomplete in-flight reassemblies.
func (s *Server) reapIdleUDPSessions(ctx context.Context, ch *connHandle) {
	interval := s.cfg.GCInterval.D()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.reapIdle(s.cfg.StreamTimeout.D(), s.assembler, uint64(ch.handle.ID))
		}
	}
}

// reapIdle closes and discards every association whose UDPSession has been
// idle longer than timeout.
func (ch *connHandle) reapIdle(timeout time.Duration, assembler *fragment.Assembler, connID uint64) {
	var stale []uint16

	ch.mu.Lock()
	for assocID, sess := range ch.assocs {
		if sess.IdleFor() > timeout {
			stale = append(stale, assocID)
		}
	}
	var closers []net.Conn
	for _, assocID := range stale {
		delete(ch.assocs, assocID)
		if c, ok := ch.egress[assocID]; ok {
			closers = append(closers, c)
			delete(ch.egress, assocID)
		}
	}
	ch.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	for _, assocID := range stale {
		assembler.DropAssoc(connID, assocID)
		logger.Debug("reaped idle udp session", "conn_id", connID, "assoc_id", assocID)
	}
}

func (s *Server) cleanupConnection(ch *connHandle) {
	s.assembler.DropConn(uint64(ch.handle.ID))

	ch.mu.Lock()
	for _, c := range ch.egress {
		c.Close()
	}
	ch.mu.Unlock()

	if user, ok := ch.handle.User(); ok {
		if s.metrics != nil {
			tcpRx, tcpTx, udpRx, udpTx := ch.handle.Counters.Snapshot()
			s.metrics.ObserveTraffic(user.String(), tcpRx, tcpTx, udpRx, udpTx)
			s.metrics.ConnectionClosed(user.String())
		}
		s.registry.Remove(user, ch.handle)
	}
	logger.Info("connection closed", "conn_id", ch.handle.ID)
}

func (s *Server) acceptBidiStreams(ctx context.Context, ch *connHandle) {
	for {
		stream, err := ch.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleBidiStream(ctx, ch, stream)
	}
}

func (s *Server) acceptUniStreams(ctx context.Context, ch *connHandle) {
	for {
		stream, err := ch.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go s.handleUniStream(ch, stream)
	}
}

func (s *Server) receiveDatagrams(ctx context.Context, ch *connHandle) {
	for {
		data, err := ch.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		s.handleDatagram(ch, data)
	}
}

func (s *Server) handleDatagram(ch *connHandle, data []byte) {
	pre, rest, err := splitPrelude(data)
	if err != nil {
		logger.Debug("dropped malformed datagram", "conn_id", ch.handle.ID, "err", err)
		return
	}
	if pre.Type != wire.CmdPacket {
		return
	}
	hdr, payload, err := wire.DecodePacket(byteReader(rest))
	if err != nil {
		logger.Debug("dropped malformed packet datagram", "conn_id", ch.handle.ID, "err", err)
		return
	}
	s.handleIncomingPacket(ch, hdr, payload, session.ModeNative)
}

func (s *Server) handleUniStream(ch *connHandle, stream quic.ReceiveStream) {
	pre, err := wire.ReadPrelude(stream)
	if err != nil {
		return
	}
	if pre.Type != wire.CmdPacket {
		return
	}
	hdr, payload, err := wire.DecodePacket(stream)
	if err != nil {
		logger.Debug("dropped malformed packet uni-stream", "conn_id", ch.handle.ID, "err", err)
		return
	}
	s.handleIncomingPacket(ch, hdr, payload, session.ModeQUIC)
}

func (s *Server) handleBidiStream(ctx context.Context, ch *connHandle, stream quic.Stream) {
	for {
		// Per spec.md §6, an unauthenticated connection's first command
		// must arrive within auth_timeout; once authenticated, subsequent
		// commands on the same control stream are bounded by
		// stream_timeout instead (distinct from QUIC's own
		// max_idle_time, which governs the whole connection).
		if _, authenticated := ch.handle.User(); authenticated {
			stream.SetReadDeadline(time.Now().Add(s.cfg.StreamTimeout.D()))
		} else {
			stream.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout.D()))
		}

		pre, err := wire.ReadPrelude(stream)
		if err != nil {
			stream.Close()
			return
		}

		switch pre.Type {
		case wire.CmdAuthenticate:
			a, err := wire.DecodeAuthenticate(stream)
			if err != nil {
				ch.handle.Kick(closeCodeMalformed, "malformed authenticate")
				return
			}
			if !s.handleAuthenticate(ch, a) {
				return
			}

		case wire.CmdConnect:
			addr, err := wire.DecodeConnect(stream)
			if err != nil {
				ch.handle.Kick(closeCodeMalformed, "malformed connect")
				return
			}
			if _, ok := ch.handle.User(); !ok {
				ch.handle.Kick(closeCodeAuthFailed, "connect before authenticate")
				return
			}
			// The stream is about to become a raw proxied TCP data
			// channel for the lifetime of the relay; stream_timeout no
			// longer applies to it.
			stream.SetReadDeadline(time.Time{})
			s.handleConnect(ctx, ch, stream, addr)
			return

		case wire.CmdDissociate:
			d, err := wire.DecodeDissociate(stream)
			if err != nil {
				ch.handle.Kick(closeCodeMalformed, "malformed dissociate")
				return
			}
			s.handleDissociate(ch, d.AssocID)

		case wire.CmdHeartbeat:
			// No payload; its only effect is keeping the QUIC path alive,
			// which the transport already observed by delivering this
			// stream data.

		case wire.CmdPacket:
			hdr, payload, err := wire.DecodePacket(stream)
			if err != nil {
				ch.handle.Kick(closeCodeMalformed, "malformed packet")
				return
			}
			s.handleIncomingPacket(ch, hdr, payload, session.ModeQUIC)

		default:
			ch.handle.Kick(closeCodeMalformed, "unknown command")
			return
		}
	}
}

// handleAuthenticate verifies a presented Authenticate command and
// registers the connection. It returns false when the stream's reader
// loop should stop (fatal failure already handled by a Kick).
func (s *Server) handleAuthenticate(ch *connHandle, a wire.Authenticate) bool {
	user, err := uuidFromBytes(a.UUID)
	if err != nil {
		ch.handle.Kick(closeCodeMalformed, "malformed user uuid")
		return false
	}

	exporter := ch.conn.ConnectionState().TLS.ExportKeyingMaterial
	remote := ch.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host // rate-limit per remote IP, not per source port
	}

	if err := s.gate.Verify(exporter, user, a.Token, remote); err != nil {
		if s.metrics != nil {
			if err == authgate.ErrRateLimited {
				s.metrics.RateLimited()
			} else {
				s.metrics.AuthFailure()
			}
		}
		ch.handle.Kick(closeCodeAuthFailed, "authentication failed")
		return false
	}

	if already := ch.handle.Authenticate(user); already {
		logger.Debug("duplicate authenticate on connection", "conn_id", ch.handle.ID)
		ch.handle.Kick(closeCodeMalformed, "duplicate authenticate")
		return false
	}

	if err := s.registry.Add(user, ch.handle); err != nil {
		ch.handle.Kick(closeCodeAuthFailed, "connection limit reached")
		return false
	}

	if s.metrics != nil {
		s.metrics.ConnectionOpened(user.String())
	}
	logger.Info("connection authenticated", "conn_id", ch.handle.ID, "user", user)
	return true
}

func (s *Server) handleConnect(ctx context.Context, ch *connHandle, stream quic.Stream, addr wire.Address) {
	logger.Debug("tcp connect requested", "conn_id", ch.handle.ID, "target", addr.String())
	if err := relay.RelayTCP(ctx, stream, addr, s.dialer, s.cfg.TaskNegotiationTimeout.D(), ch.handle.Counters); err != nil {
		logger.Debug("tcp relay ended", "conn_id", ch.handle.ID, "target", addr.String(), "err", err)
	}
}

func (s *Server) handleDissociate(ch *connHandle, assocID uint16) {
	ch.mu.Lock()
	delete(ch.assocs, assocID)
	egress, ok := ch.egress[assocID]
	delete(ch.egress, assocID)
	ch.mu.Unlock()

	if ok {
		egress.Close()
	}
	s.assembler.DropAssoc(uint64(ch.handle.ID), assocID)
}

func (s *Server) handleIncomingPacket(ch *connHandle, hdr wire.PacketHeader, payload []byte, mode session.TransportMode) {
	if _, ok := ch.handle.User(); !ok {
		logger.Debug("dropped packet before authenticate", "conn_id", ch.handle.ID, "assoc_id", hdr.AssocID)
		return
	}

	sess := ch.sessionFor(hdr.AssocID, mode)
	sess.SetMode(mode)
	sess.Touch()

	data, addr, complete, err := s.assembler.Feed(uint64(ch.handle.ID), hdr, payload)
	if err != nil {
		logger.Debug("fragment reassembly rejected packet", "conn_id", ch.handle.ID, "assoc_id", hdr.AssocID, "err", err)
		return
	}
	if !complete {
		return
	}

	egress, err := s.egressFor(ch, hdr.AssocID, addr)
	if err != nil {
		logger.Warn("udp egress dial failed", "conn_id", ch.handle.ID, "target", addr.String(), "err", err)
		return
	}

	if err := relay.SendToTarget(egress, data, ch.handle.Counters); err != nil {
		logger.Debug("udp egress write failed", "conn_id", ch.handle.ID, "err", err)
	}
}

func (ch *connHandle) sessionFor(assocID uint16, mode session.TransportMode) *session.UDPSession {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	sess, ok := ch.assocs[assocID]
	if !ok {
		sess = session.NewUDPSession(ch.handle.ID, assocID, ch.handle.Counters, mode)
		ch.assocs[assocID] = sess
	}
	return sess
}

// egressFor returns the association's egress socket, dialing and starting
// its reverse pump on first use. It is a *Server method (rather than a
// *connHandle one) because starting the reverse pump needs the server's
// configured max_external_packet_size and stream_timeout.
func (s *Server) egressFor(ch *connHandle, assocID uint16, addr wire.Address) (net.Conn, error) {
	ch.mu.Lock()
	if conn, ok := ch.egress[assocID]; ok {
		ch.mu.Unlock()
		return conn, nil
	}
	ch.mu.Unlock()

	conn, err := s.egressDialer.Dial(addr)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if existing, ok := ch.egress[assocID]; ok {
		ch.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	ch.egress[assocID] = conn
	sess := ch.assocs[assocID]
	ch.mu.Unlock()

	go func() {
		sink := &connSink{conn: ch.conn}
		relay.PumpFromTarget(ch.conn.Context(), conn, sess, sink, addr, s.cfg.MaxExternalPacketSize, s.cfg.StreamTimeout.D())
	}()

	return conn, nil
}

// connSink adapts a quic.Connection to relay.PacketSink.
type connSink struct {
	conn quic.Connection
}

func (s *connSink) SendDatagram(payload []byte) error {
	return s.conn.SendDatagram(payload)
}

func (s *connSink) OpenUniStream() (relay.SendCloser, error) {
	return s.conn.OpenUniStreamSync(s.conn.Context())
}

func splitPrelude(data []byte) (wire.Prelude, []byte, error) {
	pre, err := wire.ReadPrelude(bytes.NewReader(data))
	if err != nil {
		return wire.Prelude{}, nil, err
	}
	return pre, data[2:], nil
}

func byteReader(b []byte) io.Reader { return bytes.NewReader(b) }

func uuidFromBytes(b [16]byte) (uuid.UUID, error) {
	return uuid.FromBytes(b[:])
}
