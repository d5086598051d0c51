package certutil

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesSelfSignedCertificate(t *testing.T) {
	cert, err := Load("", "", true)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "tuicd", parsed.Subject.CommonName)
	assert.True(t, parsed.NotBefore.Before(parsed.NotAfter))
}

func TestLoadFailsWithoutCertOrSelfSign(t *testing.T) {
	_, err := Load("", "", false)
	assert.Error(t, err)
}

func TestLoadFailsOnMissingFiles(t *testing.T) {
	_, err := Load("/nonexistent/cert.pem", "/nonexistent/key.pem", false)
	assert.Error(t, err)
}
