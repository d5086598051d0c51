package registry

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuicd/pkg/session"
)

func newConn(t *testing.T, id session.ID) *session.Connection {
	t.Helper()
	return session.NewConnection(id, &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000 + int(id)}, func(uint64, string) {})
}

func TestUserTableParsesAndLooksUp(t *testing.T) {
	u := uuid.New()
	tbl, err := NewUserTable(map[string]string{u.String(): "secret"})
	require.NoError(t, err)

	p, ok := tbl.Password(u)
	require.True(t, ok)
	assert.Equal(t, []byte("secret"), p)

	_, ok = tbl.Password(uuid.New())
	assert.False(t, ok)
}

func TestUserTableRejectsInvalidUUID(t *testing.T) {
	_, err := NewUserTable(map[string]string{"not-a-uuid": "secret"})
	assert.Error(t, err)
}

func TestAddRemoveTracksCount(t *testing.T) {
	r := New(0)
	u := uuid.New()
	c1 := newConn(t, 1)
	c2 := newConn(t, 2)

	require.NoError(t, r.Add(u, c1))
	require.NoError(t, r.Add(u, c2))
	assert.Equal(t, 2, r.Count(u))

	r.Remove(u, c1)
	assert.Equal(t, 1, r.Count(u))
}

func TestAddEnforcesPerUserLimit(t *testing.T) {
	r := New(1)
	u := uuid.New()

	require.NoError(t, r.Add(u, newConn(t, 1)))
	err := r.Add(u, newConn(t, 2))
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 1, r.Count(u))
}

func TestEnumerateAggregatesLiveAndResidualTraffic(t *testing.T) {
	r := New(0)
	u := uuid.New()
	c1 := newConn(t, 1)
	c2 := newConn(t, 2)
	require.NoError(t, r.Add(u, c1))
	require.NoError(t, r.Add(u, c2))

	c1.Counters.AddTCP(100, 200)
	c2.Counters.AddTCP(10, 20)

	r.Remove(u, c1) // folds c1's counters into the residual

	entries := r.Enumerate()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, u, e.User)
	assert.Equal(t, 1, e.Online)
	assert.Equal(t, uint64(110), e.TCPRx)
	assert.Equal(t, uint64(220), e.TCPTx)
	require.Len(t, e.TraceIDs, 1)
	assert.Equal(t, c2.TraceID, e.TraceIDs[0])
}

func TestKickInvokesCloseOnEveryLiveConnectionForUser(t *testing.T) {
	r := New(0)
	u := uuid.New()

	kicked := 0
	conn := session.NewConnection(1, &net.UDPAddr{}, func(code uint64, reason string) {
		kicked++
		assert.Equal(t, uint64(7), code)
		assert.Equal(t, "bye", reason)
	})
	require.NoError(t, r.Add(u, conn))

	n := r.Kick([]uuid.UUID{u}, 7, "bye")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, kicked)
}

func TestResetTrafficZeroesLiveAndResidual(t *testing.T) {
	r := New(0)
	u := uuid.New()
	c1 := newConn(t, 1)
	c2 := newConn(t, 2)
	require.NoError(t, r.Add(u, c1))
	require.NoError(t, r.Add(u, c2))

	c1.Counters.AddTCP(5, 5)
	c2.Counters.AddTCP(5, 5)
	r.Remove(u, c1)

	r.ResetTraffic()

	entries := r.Enumerate()
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].TCPRx)
	assert.Zero(t, entries[0].TCPTx)

	tcpRx, tcpTx, _, _ := c2.Counters.Snapshot()
	assert.Zero(t, tcpRx)
	assert.Zero(t, tcpTx)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
