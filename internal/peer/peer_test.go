package peer

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	p := New("tok-1", "alice")
	r.Add(p)

	got, ok := r.Get("tok-1")
	require.True(t, ok)
	assert.Same(t, p, got)

	r.Remove("tok-1")
	_, ok = r.Get("tok-1")
	assert.False(t, ok)
}

func TestPeer_RPCRoundTrip(t *testing.T) {
	p := New("tok", "alice")
	id := p.NextRequestID()
	ch := p.AwaitRPC(id)

	p.ResolveRPC(id, []byte(`{"ok":true}`))

	payload, ok := <-ch
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestPeer_ResolveUnknownIDIsIgnored(t *testing.T) {
	p := New("tok", "alice")
	assert.NotPanics(t, func() { p.ResolveRPC(999, []byte("null")) })
}

func TestPeer_CancelRPCClosesChannel(t *testing.T) {
	p := New("tok", "alice")
	id := p.NextRequestID()
	ch := p.AwaitRPC(id)

	p.CancelRPC(id)

	_, ok := <-ch
	assert.False(t, ok, "cancelled waiter should observe a closed channel, not hang")
}

func TestPeer_TeardownDrainsPendingTables(t *testing.T) {
	p := New("tok", "alice")
	rpcID := p.NextRequestID()
	rpcCh := p.AwaitRPC(rpcID)
	httpID := p.NextRequestID()
	rendez := p.AwaitHTTP(httpID)

	p.Teardown()

	_, ok := <-rpcCh
	assert.False(t, ok)
	_, ok = <-rendez.Done
	assert.False(t, ok)

	_, ok = <-p.EventOut
	assert.False(t, ok, "teardown must close EventOut so the event-pump goroutine can exit")
}

func TestIsLoopback(t *testing.T) {
	r := &http.Request{RemoteAddr: "127.0.0.1:5555"}
	assert.True(t, IsLoopback(r))

	r = &http.Request{RemoteAddr: "203.0.113.5:5555"}
	assert.False(t, IsLoopback(r))
}
