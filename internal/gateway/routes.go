package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sshbridge/internal/bulk"
	"sshbridge/internal/peer"
	"sshbridge/internal/rpc"
)

// credentials is the first message a browser sends on its auth WebSocket.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// routeWebSocket upgrades the connection and decides, from the path,
// whether this is a fresh browser login ("/", "/rest", "/rest/") or the
// worker's own event/control socket ("/client?t=<token>").
func (s *Server) routeWebSocket(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/", "/rest", "/rest/":
		s.serveBrowserSocket(w, r)
	case "/client":
		s.serveWorkerSocket(w, r)
	default:
		http.NotFound(w, r)
	}
}

// serveBrowserSocket upgrades a fresh browser connection, reads its login
// credentials as the first frame, runs the authentication state machine,
// and on success hands the socket to the RPC correlator as the peer's
// browser write sink.
func (s *Server) serveBrowserSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("gateway: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		conn.WriteJSON(map[string]string{"error": "malformed credentials"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), loginTimeout)
	defer cancel()

	p, err := s.Machine.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer s.Registry.Remove(p.ID)

	p.SetBrowserWrite(peer.NewWriteSink(conn.WriteMessage))
	conn.WriteJSON(map[string]string{"token": p.ID})

	dispatcher := &rpc.Dispatcher{
		Peer:   p,
		Logger: s.Logger,
		HandleShell: func(ctx context.Context, raw json.RawMessage) error {
			return rpc.HandleShellMessage(p, p.SSH, raw)
		},
	}
	if err := rpc.Pump(r.Context(), conn, dispatcher); err != nil {
		s.Logger.Printf("peer %s: browser socket closed: %v", p.ID, err)
	}
}

// loginTimeout is the deadline of the context handed to Machine.Authenticate.
// Authenticate checks that context only while waiting for the worker's
// callback; the SSH dial is bounded by sshclient.DialTimeout instead.
const loginTimeout = 30 * time.Second

// serveWorkerSocket accepts the worker's own WebSocket, identified by its
// session token, and wires it as the peer's worker write sink plus event
// pump source.
func (s *Server) serveWorkerSocket(w http.ResponseWriter, r *http.Request) {
	if !peer.IsLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	token := r.URL.Query().Get("t")

	// A peer already registered under this token means its worker already
	// called back once; spec.md §3 makes a second callback a protocol
	// error rather than silently replacing worker_write.
	if _, already := s.Registry.Get(token); already {
		s.Logger.Printf("peer %s: rejecting duplicate worker callback", token)
		http.Error(w, "already connected", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sc, ok := s.Machine.Suspended.Handoff(token, peer.NewWriteSink(conn.WriteMessage))
	if !ok {
		s.Logger.Printf("gateway: /client callback for unknown or expired token %s", token)
		return
	}
	p := sc.AwaitPeer()
	defer s.Registry.Remove(p.ID)

	go func() {
		for event := range p.EventOut {
			bw := p.BrowserWrite()
			if bw == nil {
				continue
			}
			if err := bw.Write(websocket.TextMessage, event); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rpc.HandleWorkerFrame(p, data, s.Logger)
	}
}

// routeWorkerCallback handles the worker's loopback /client HTTP callback
// for bulk transfers (as opposed to its WebSocket control connection),
// fulfilling the peer's pending http_pending rendezvous.
func (s *Server) routeWorkerCallback(w http.ResponseWriter, r *http.Request) {
	if !peer.IsLoopback(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	token := r.Header.Get("peer")
	idStr := r.Header.Get("id")
	p, ok := s.Registry.Get(token)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var id uint64
	fmt.Sscanf(idStr, "%d", &id)

	rendez, ok := p.FulfillHTTP(id, r, w)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// Block until the splicer has actually finished copying bytes, not just
	// until it was matched: returning early here lets net/http tear down
	// this handler's request body and response writer out from under the
	// splice goroutines, truncating the transfer.
	<-rendez.SpliceDone
}

// routeBulkTransfer is the browser-facing half of a download/upload/preview
// request: ?t=<token> identifies the peer, and p=/u=+n=/v= select the
// operation per spec.md's query-string convention.
func (s *Server) routeBulkTransfer(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	p, ok := s.Registry.Get(token)
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("p"):
		paths := q["p"]
		if len(paths) == 1 {
			err := bulk.RequestTransfer(p, bulk.Download, splitPath(paths[0]), nil, "", w, r)
			s.writeBulkError(w, err)
			return
		}
		segs := make([][]string, len(paths))
		for i, path := range paths {
			segs[i] = splitPath(path)
		}
		err := bulk.RequestTransfer(p, bulk.Download, nil, segs, "", w, r)
		s.writeBulkError(w, err)
	case q.Has("u"):
		err := bulk.RequestTransfer(p, bulk.Upload, q["u"], nil, q.Get("n"), w, r)
		s.writeBulkError(w, err)
	case q.Has("v"):
		err := bulk.RequestTransfer(p, bulk.Preview, splitPath(q.Get("v")), nil, "", w, r)
		s.writeBulkError(w, err)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeBulkError(w http.ResponseWriter, err error) {
	if err != nil {
		s.Logger.Printf("gateway: bulk transfer failed: %v", err)
		http.Error(w, "404 not found", http.StatusNotFound)
	}
}

// splitPath turns a slash-joined query path segment into the []string
// fs-op path form used everywhere else in the system.
func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	var segs []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			segs = append(segs, part)
		}
	}
	return segs
}
