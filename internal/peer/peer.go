// Package peer holds the registry of active gateway sessions ("peers") and
// the one-shot response tables each peer uses to correlate requests flowing
// between the browser's WebSocket and the worker's WebSocket.
package peer

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"sshbridge/internal/sshclient"
)

// WriteSink is the exclusive-writer-disciplined destination for a peer's
// browser or worker socket. Only one goroutine may ever call Write at a
// time for a given sink, so callers must route writes through it rather
// than holding the underlying connection directly.
type WriteSink struct {
	mu     sync.Mutex
	writer func(messageType int, data []byte) error
}

// NewWriteSink wraps a raw write function (typically *websocket.Conn.WriteMessage)
// with the mutex discipline every peer write must go through.
func NewWriteSink(writer func(messageType int, data []byte) error) *WriteSink {
	return &WriteSink{writer: writer}
}

// Write serializes concurrent writers onto the single underlying socket.
func (s *WriteSink) Write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer(messageType, data)
}

// HTTPRendezvous is what C5's bulk-transfer splicer hands off once the
// worker's loopback HTTP callback has been matched to the internal RPC that
// requested it.
type HTTPRendezvous struct {
	Request  *http.Request
	Response http.ResponseWriter
	Done     chan struct{}

	// SpliceDone is closed once the bulk splicer has finished copying bytes
	// between the browser request and this loopback callback. The worker
	// callback handler must block on this, not Done: Done only marks that
	// the callback was matched to its waiting id, well before the body has
	// actually been copied.
	SpliceDone chan struct{}
}

// Peer is one authenticated browser<->worker session.
type Peer struct {
	ID     string
	Username string

	// SSH is the authenticated SSH session that Verifying/SpawningWorker
	// dialed against the host's sshd. It outlives the login handshake: the
	// shell subsystem opens PTY channels on it for as long as the peer is
	// Ready.
	SSH *sshclient.Client

	// browserWrite is set once, by the browser connection's own goroutine,
	// but read concurrently by the worker connection's event-pump
	// goroutine, so it goes through atomic.Pointer rather than a plain
	// field.
	browserWrite atomic.Pointer[WriteSink]
	WorkerWrite  *WriteSink

	// EventOut is the bounded queue of server-initiated events (watch
	// notifications, shell output) waiting to be pushed to the browser.
	EventOut chan []byte

	mu          sync.Mutex
	nextID      uint64
	rpcPending  map[uint64]chan json_RawMessage
	httpPending map[uint64]*HTTPRendezvous

	shellMu      sync.Mutex
	shellSessions map[string]ShellHandle
	shellWG      sync.WaitGroup

	closed bool
}

// json_RawMessage is a raw JSON payload as carried between the sockets; a
// plain []byte alias, so it is interchangeable with the json.RawMessage
// values internal/rpc passes in.
type json_RawMessage = []byte

// ShellHandle is satisfied by internal/rpc's shell session type; kept here
// as a narrow interface so peer doesn't need to import rpc.
type ShellHandle interface {
	Close() error
}

// EventQueueDepth bounds EventOut so a slow browser can't cause unbounded
// memory growth from worker-side shell/watch chatter.
const EventQueueDepth = 256

// New creates a Peer ready to register.
func New(id, username string) *Peer {
	return &Peer{
		ID:            id,
		Username:      username,
		EventOut:      make(chan []byte, EventQueueDepth),
		rpcPending:    make(map[uint64]chan json_RawMessage),
		httpPending:   make(map[uint64]*HTTPRendezvous),
		shellSessions: make(map[string]ShellHandle),
	}
}

// NextRequestID returns a fresh monotonically increasing id for outbound
// RPC/HTTP rendezvous correlation.
func (p *Peer) NextRequestID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

// AwaitRPC registers a pending RPC reply slot and returns the channel the
// caller should block on.
func (p *Peer) AwaitRPC(id uint64) chan json_RawMessage {
	ch := make(chan json_RawMessage, 1)
	p.mu.Lock()
	p.rpcPending[id] = ch
	p.mu.Unlock()
	return ch
}

// ResolveRPC delivers a worker reply to the waiter registered under id, if
// any. A non-existent id is ignored: the wait may have already timed out.
func (p *Peer) ResolveRPC(id uint64, payload json_RawMessage) {
	p.mu.Lock()
	ch, ok := p.rpcPending[id]
	if ok {
		delete(p.rpcPending, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- payload
	}
}

// CancelRPC drops a pending wait without a reply, closing the channel so
// the waiter observes failure instead of hanging forever.
func (p *Peer) CancelRPC(id uint64) {
	p.mu.Lock()
	ch, ok := p.rpcPending[id]
	if ok {
		delete(p.rpcPending, id)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

// AwaitHTTP registers the two-stage bulk-transfer rendezvous slot (see
// internal/bulk): the internal RPC ack arrives first, the worker's loopback
// HTTP callback fulfills it second.
func (p *Peer) AwaitHTTP(id uint64) *HTTPRendezvous {
	r := &HTTPRendezvous{Done: make(chan struct{}), SpliceDone: make(chan struct{})}
	p.mu.Lock()
	p.httpPending[id] = r
	p.mu.Unlock()
	return r
}

// FulfillHTTP matches the worker's loopback callback to its waiting id.
func (p *Peer) FulfillHTTP(id uint64, req *http.Request, resp http.ResponseWriter) (*HTTPRendezvous, bool) {
	p.mu.Lock()
	r, ok := p.httpPending[id]
	if ok {
		delete(p.httpPending, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	r.Request, r.Response = req, resp
	close(r.Done)
	return r, true
}

// CancelHTTP drops a pending bulk-transfer rendezvous without fulfillment.
func (p *Peer) CancelHTTP(id uint64) {
	p.mu.Lock()
	r, ok := p.httpPending[id]
	if ok {
		delete(p.httpPending, id)
	}
	p.mu.Unlock()
	if ok {
		close(r.Done)
	}
}

// RegisterShell tracks an open shell session by id so Close/Resize RPCs can
// find it.
func (p *Peer) RegisterShell(id string, h ShellHandle) {
	p.shellMu.Lock()
	defer p.shellMu.Unlock()
	p.shellSessions[id] = h
}

// SetBrowserWrite installs the browser socket's write sink. Called once, by
// the browser connection's own goroutine.
func (p *Peer) SetBrowserWrite(w *WriteSink) { p.browserWrite.Store(w) }

// BrowserWrite returns the browser socket's write sink, or nil if the
// browser hasn't attached one yet (a worker callback can race ahead of its
// own browser connection's setup).
func (p *Peer) BrowserWrite() *WriteSink { return p.browserWrite.Load() }

// ShellStarted and ShellStopped bracket a shell session's event-pumping
// goroutine so Teardown can wait for every such goroutine to stop sending to
// EventOut before closing it.
func (p *Peer) ShellStarted() { p.shellWG.Add(1) }
func (p *Peer) ShellStopped() { p.shellWG.Done() }

// Shell looks up an open shell session by id.
func (p *Peer) Shell(id string) (ShellHandle, bool) {
	p.shellMu.Lock()
	defer p.shellMu.Unlock()
	h, ok := p.shellSessions[id]
	return h, ok
}

// RemoveShell drops a shell session from tracking, closing it first.
func (p *Peer) RemoveShell(id string) {
	p.shellMu.Lock()
	h, ok := p.shellSessions[id]
	delete(p.shellSessions, id)
	p.shellMu.Unlock()
	if ok {
		h.Close()
	}
}

// Teardown drains every pending table with a failure notification, the way
// either side disconnecting must surface as an error to waiters rather than
// a silent hang.
func (p *Peer) Teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.rpcPending
	p.rpcPending = make(map[uint64]chan json_RawMessage)
	httpPending := p.httpPending
	p.httpPending = make(map[uint64]*HTTPRendezvous)
	p.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, r := range httpPending {
		close(r.Done)
	}

	p.shellMu.Lock()
	shells := p.shellSessions
	p.shellSessions = make(map[string]ShellHandle)
	p.shellMu.Unlock()
	for _, h := range shells {
		h.Close()
	}
	p.shellWG.Wait()
	close(p.EventOut)

	if p.SSH != nil {
		p.SSH.Close()
	}
}

// Registry is the server-wide table of active peers, keyed by session
// token.
type Registry struct {
	peers sync.Map // string -> *Peer
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers a peer under its token.
func (r *Registry) Add(p *Peer) { r.peers.Store(p.ID, p) }

// Get looks a peer up by token.
func (r *Registry) Get(id string) (*Peer, bool) {
	v, ok := r.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

// Remove tears a peer down and drops it from the registry.
func (r *Registry) Remove(id string) {
	v, ok := r.peers.LoadAndDelete(id)
	if ok {
		v.(*Peer).Teardown()
	}
}

// Count reports the number of active peers, mainly for diagnostics.
func (r *Registry) Count() int {
	n := 0
	r.peers.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// IsLoopback reports whether an HTTP request's remote address is the
// loopback interface. The worker's /client callback and bulk-transfer
// fulfillment endpoints must only ever be reachable from the gateway's own
// worker process, never from the public internet.
func IsLoopback(req *http.Request) bool {
	host := req.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
