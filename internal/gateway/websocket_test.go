package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUpgradeRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.ProtoMajor, r.ProtoMinor = 1, 1
	return r
}

func TestIsWebSocketUpgrade_Valid(t *testing.T) {
	require.True(t, IsWebSocketUpgrade(validUpgradeRequest()))
}

func TestIsWebSocketUpgrade_WrongMethod(t *testing.T) {
	r := validUpgradeRequest()
	r.Method = http.MethodPost
	assert.False(t, IsWebSocketUpgrade(r))
}

func TestIsWebSocketUpgrade_MissingUpgradeHeader(t *testing.T) {
	r := validUpgradeRequest()
	r.Header.Del("Upgrade")
	assert.False(t, IsWebSocketUpgrade(r))
}

func TestIsWebSocketUpgrade_WrongVersion(t *testing.T) {
	r := validUpgradeRequest()
	r.Header.Set("Sec-WebSocket-Version", "8")
	assert.False(t, IsWebSocketUpgrade(r))
}

func TestIsWebSocketUpgrade_MalformedKey(t *testing.T) {
	r := validUpgradeRequest()
	r.Header.Set("Sec-WebSocket-Key", "not-base64-and-wrong-length")
	assert.False(t, IsWebSocketUpgrade(r))
}

func TestIsWebSocketUpgrade_HTTP10Rejected(t *testing.T) {
	r := validUpgradeRequest()
	r.ProtoMajor, r.ProtoMinor = 1, 0
	assert.False(t, IsWebSocketUpgrade(r))
}

// TestAcceptKey_RFC6455Example checks the canonical example from RFC 6455
// section 1.3.
func TestAcceptKey_RFC6455Example(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}
