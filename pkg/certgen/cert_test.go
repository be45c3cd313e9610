package certgen

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCert_CreatesLoadablePair(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, GenerateCert(certFile, keyFile))

	_, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
}

func TestGenerateCert_NoopWhenBothExist(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, GenerateCert(certFile, keyFile))

	before, err := os.ReadFile(certFile)
	require.NoError(t, err)

	require.NoError(t, GenerateCert(certFile, keyFile))

	after, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, before, after, "regenerating should not happen when both files already exist")
}
