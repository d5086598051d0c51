package authgate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuicd/pkg/registry"
)

// fakeExporter returns an Exporter that requires the caller to present
// exactly uuid[:]++password as the exporter context, per spec.md §4.3, and
// echoes that context (padded/truncated to length) as the derived token.
func fakeExporter(t *testing.T, user uuid.UUID, password []byte) Exporter {
	t.Helper()
	want := append(append([]byte(nil), user[:]...), password...)
	return func(label string, context []byte, length int) ([]byte, error) {
		require.Equal(t, exporterLabel, label)
		require.Equal(t, want, context)
		require.Equal(t, tokenLength, length)
		out := make([]byte, length)
		copy(out, context)
		return out, nil
	}
}

func expectedToken(user uuid.UUID, password []byte) [tokenLength]byte {
	var token [tokenLength]byte
	copy(token[:], append(append([]byte(nil), user[:]...), password...))
	return token
}

func TestVerifySucceedsWithMatchingToken(t *testing.T) {
	u := uuid.New()
	users, err := registry.NewUserTable(map[string]string{u.String(): "hunter2"})
	require.NoError(t, err)
	g := New(users, 60)

	token := expectedToken(u, []byte("hunter2"))

	err = g.Verify(fakeExporter(t, u, []byte("hunter2")), u, token, "203.0.113.1:1234")
	assert.NoError(t, err)
}

func TestVerifyFailsOnWrongToken(t *testing.T) {
	u := uuid.New()
	users, err := registry.NewUserTable(map[string]string{u.String(): "hunter2"})
	require.NoError(t, err)
	g := New(users, 60)

	var token [tokenLength]byte
	copy(token[:], "wrong-token")

	err = g.Verify(fakeExporter(t, u, []byte("hunter2")), u, token, "203.0.113.1:1234")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestVerifyFailsForUnknownUser(t *testing.T) {
	users, err := registry.NewUserTable(nil)
	require.NoError(t, err)
	g := New(users, 60)

	unknown := uuid.New()
	exp := func(label string, context []byte, length int) ([]byte, error) {
		out := make([]byte, length)
		copy(out, context)
		return out, nil
	}

	var token [tokenLength]byte
	err = g.Verify(exp, unknown, token, "203.0.113.1:1234")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestVerifyRateLimitsPerRemote(t *testing.T) {
	u := uuid.New()
	users, err := registry.NewUserTable(map[string]string{u.String(): "hunter2"})
	require.NoError(t, err)
	g := New(users, 1)

	exp := fakeExporter(t, u, []byte("hunter2"))
	var token [tokenLength]byte

	err = g.Verify(exp, u, token, "203.0.113.1:1234")
	require.Error(t, err) // wrong token, but consumes the only token

	err = g.Verify(exp, u, token, "203.0.113.1:1234")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLimiterAllowsUpToCapacityThenBlocks(t *testing.T) {
	l := NewLimiter(2)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterTracksKeysIndependently(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("a"))
}
