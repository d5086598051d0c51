package authgate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/registry"
)

// exporterLabel is the fixed TLS keying-material exporter label used by
// the TUIC authentication handshake (spec.md §4.3): no password ever
// crosses the wire, only a token derived from it and the TLS session.
const exporterLabel = "tuic"

// tokenLength matches wire.TokenLength; duplicated as a constant here (not
// imported from pkg/wire) to keep this package's only dependency on the
// wire format being the token's byte length, not its framing.
const tokenLength = 32

// ErrRateLimited is returned when a remote has exceeded
// auth_attempts_per_minute.
var ErrRateLimited = errors.New("authentication rate limit exceeded")

// ErrAuthFailed is returned for an unknown user or a token mismatch.
var ErrAuthFailed = registry.ErrAuthFailed

// Exporter matches quic-go's tls.ConnectionState.ExportKeyingMaterial
// signature, so the gate never imports crypto/tls or quic-go directly.
type Exporter func(label string, context []byte, length int) ([]byte, error)

// Gate verifies TUIC Authenticate commands against a user table, rate
// limiting every attempt (successful or not) per remote address.
type Gate struct {
	users   *registry.UserTable
	limiter *Limiter
}

// New builds a Gate. attemptsPerMinute is spec.md §6's
// auth_attempts_per_minute.
func New(users *registry.UserTable, attemptsPerMinute int) *Gate {
	return &Gate{users: users, limiter: NewLimiter(attemptsPerMinute)}
}

// Verify checks a presented Authenticate token for user against the
// TLS-exporter-derived expected value, after consulting the rate limiter
// keyed by remoteAddr.
//
// Per spec.md §4.3, an unknown user still consumes a rate-limit token and
// still performs a (dummy) exporter call shaped like the real one, so a
// prober cannot distinguish "no such user" from "wrong password" by
// timing.
func (g *Gate) Verify(exporter Exporter, user uuid.UUID, presented [tokenLength]byte, remoteAddr string) error {
	if !g.limiter.Allow(remoteAddr) {
		logger.Warn("auth rate limit exceeded", "remote", remoteAddr)
		return ErrRateLimited
	}

	password, known := g.users.Password(user)
	if !known {
		// Derive against a fixed dummy context so the exporter call shape
		// (and its cost) matches the known-user path.
		password = []byte("tuicd-unknown-user")
	}

	// Per spec.md §4.3, the exporter context is the UUID concatenated with
	// the password, not the password alone, so the derived token is bound
	// to the identity the client presented as well as its secret.
	context := make([]byte, 0, len(user)+len(password))
	context = append(context, user[:]...)
	context = append(context, password...)

	expected, err := exporter(exporterLabel, context, tokenLength)
	if err != nil {
		return fmt.Errorf("export keying material: %w", err)
	}

	if !known || !registry.ConstantTimeEqual(expected, presented[:]) {
		logger.Warn("authentication failed", "user", user, "remote", remoteAddr, "known_user", known)
		return ErrAuthFailed
	}

	return nil
}
