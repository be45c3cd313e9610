// Package gateway implements the TLS-fronted acceptor and protocol
// splitter: every inbound connection is ALPN-negotiated, then routed to
// plain HTTP/1.1, opaque HTTP/2, or a WebSocket upgrade depending on what
// the client asked for and which path it requested.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"

	"sshbridge/internal/auth"
	"sshbridge/internal/peer"
)

// Server is the gateway's TLS acceptor.
type Server struct {
	Addr      string
	TLSConfig *tls.Config
	Logger    *log.Logger

	Machine  *auth.Machine
	Registry *peer.Registry

	upgrader   websocket.Upgrader
	assets     http.Handler
	h2         *http2.Server
	listener   net.Listener
}

// NewServer builds a gateway Server; assetsHandler may be nil if no
// --assets-path was given.
func NewServer(addr string, tlsConfig *tls.Config, logger *log.Logger, machine *auth.Machine, registry *peer.Registry, assetsHandler http.Handler) *Server {
	tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	return &Server{
		Addr:      addr,
		TLSConfig: tlsConfig,
		Logger:    logger,
		Machine:   machine,
		Registry:  registry,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		assets:    assetsHandler,
		h2:        &http2.Server{},
	}
}

// ListenAndServe accepts TLS connections and dispatches each to its
// ALPN-selected protocol handler.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.Addr, s.TLSConfig)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Logger.Printf("gateway: listening on %s", s.Addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.Logger.Printf("gateway: accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn negotiates ALPN on the freshly accepted TLS connection and
// routes to the selected protocol's handler.
func (s *Server) handleConn(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		s.Logger.Printf("gateway: TLS handshake failed: %v", err)
		conn.Close()
		return
	}

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case "h2":
		s.h2.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: http.HandlerFunc(s.serveHTTP)})
	default:
		srv := &http.Server{Handler: http.HandlerFunc(s.serveHTTP)}
		srv.Serve(&singleConnListener{conn: tlsConn})
	}
}

// singleConnListener adapts one already-accepted net.Conn into the
// net.Listener http.Server.Serve expects, since the gateway does its own
// TLS accept loop rather than letting net/http own it.
type singleConnListener struct {
	conn net.Conn
	done bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.done {
		return nil, io.EOF
	}
	l.done = true
	return l.conn, nil
}
func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// serveHTTP is the single entry point every accepted connection's request(s)
// pass through, whether framed as HTTP/1.1, opaque HTTP/2, or a WebSocket
// upgrade request.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case IsWebSocketUpgrade(r):
		s.routeWebSocket(w, r)
	case r.URL.Path == "/client":
		s.routeWorkerCallback(w, r)
	case r.URL.Query().Get("t") != "":
		s.routeBulkTransfer(w, r)
	default:
		s.routeAsset(w, r)
	}
}

// routeAsset serves static browser assets, gzip-negotiated.
func (s *Server) routeAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.NotFound(w, r)
		return
	}
	gziphandler.GzipHandler(s.assets).ServeHTTP(w, r)
}
