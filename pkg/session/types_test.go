package session

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionAuthenticateOnce(t *testing.T) {
	conn := NewConnection(1, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}, nil)

	u := uuid.New()
	already := conn.Authenticate(u)
	assert.False(t, already)

	got, ok := conn.User()
	require.True(t, ok)
	assert.Equal(t, u, got)

	already = conn.Authenticate(uuid.New())
	assert.True(t, already, "second Authenticate must report already-authenticated")

	got, ok = conn.User()
	require.True(t, ok)
	assert.Equal(t, u, got, "first user wins; second call must not overwrite it")
}

func TestConnectionKickInvokesCallback(t *testing.T) {
	var gotCode uint64
	var gotReason string
	conn := NewConnection(1, &net.UDPAddr{}, func(code uint64, reason string) {
		gotCode = code
		gotReason = reason
	})

	conn.Kick(42, "idle")
	assert.Equal(t, uint64(42), gotCode)
	assert.Equal(t, "idle", gotReason)
}

func TestConnectionKickNilCallbackIsNoop(t *testing.T) {
	conn := NewConnection(1, &net.UDPAddr{}, nil)
	assert.NotPanics(t, func() { conn.Kick(0, "") })
}

func TestCountersAddAndReset(t *testing.T) {
	c := &Counters{}
	c.AddTCP(10, 20)
	c.AddUDP(1, 2)

	tcpRx, tcpTx, udpRx, udpTx := c.Snapshot()
	assert.Equal(t, uint64(10), tcpRx)
	assert.Equal(t, uint64(20), tcpTx)
	assert.Equal(t, uint64(1), udpRx)
	assert.Equal(t, uint64(2), udpTx)

	c.Reset()
	tcpRx, tcpTx, udpRx, udpTx = c.Snapshot()
	assert.Zero(t, tcpRx)
	assert.Zero(t, tcpTx)
	assert.Zero(t, udpRx)
	assert.Zero(t, udpTx)
}

func TestUDPSessionNextPktIDIncrementsAndWraps(t *testing.T) {
	s := NewUDPSession(1, 5, &Counters{}, ModeNative)
	assert.Equal(t, uint16(0), s.NextPktID())
	assert.Equal(t, uint16(1), s.NextPktID())

	s2 := &UDPSession{nextPkt: 0xffff}
	assert.Equal(t, uint16(0xffff), s2.NextPktID())
	assert.Equal(t, uint16(0), s2.NextPktID(), "pkt id counter wraps at uint16")
}

func TestUDPSessionModeTracksMostRecentIngress(t *testing.T) {
	s := NewUDPSession(1, 5, &Counters{}, ModeNative)
	assert.Equal(t, ModeNative, s.CurrentMode())

	s.SetMode(ModeQUIC)
	assert.Equal(t, ModeQUIC, s.CurrentMode())
}

func TestUDPSessionIdleForReflectsTouch(t *testing.T) {
	s := NewUDPSession(1, 5, &Counters{}, ModeNative)
	assert.GreaterOrEqual(t, s.IdleFor(), time.Duration(0))

	s.lastUsed = time.Now().Add(-time.Hour)
	assert.GreaterOrEqual(t, s.IdleFor(), time.Hour)

	s.Touch()
	assert.Less(t, s.IdleFor(), time.Hour)
}
