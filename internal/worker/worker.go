// Package worker implements the --client process: a short-lived helper the
// gateway spawns over SSH for each authenticated browser session. It dials
// the gateway back over loopback TLS, trusting any certificate it's handed
// since the connection never leaves the machine, and then executes
// filesystem, zip, watch, and bulk-transfer operations the browser's RPC
// messages ask for, running as the OS user that launched it.
package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"sshbridge/internal/worker/fsops"
	"sshbridge/internal/worker/transfer"
	"sshbridge/internal/worker/watch"
)

// Config carries the --client invocation's parameters.
type Config struct {
	Token        string
	CallbackAddr string
	Logger       *log.Logger
}

// Run dials the gateway's worker WebSocket and services RPC calls until the
// connection closes.
func Run(ctx context.Context, cfg Config) error {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	u := url.URL{Scheme: "wss", Host: cfg.CallbackAddr, Path: "/client", RawQuery: "t=" + cfg.Token}
	cfg.Logger.Printf("worker: dialing %s", u.String())
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()
	cfg.Logger.Printf("worker: connected, servicing RPC calls")

	writeMu := newWriteLock(conn)
	watcher := watch.NewRegistry()
	defer watcher.CloseAll()

	transferCfg := transfer.Config{Token: cfg.Token, GatewayAddr: cfg.CallbackAddr}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		go handleFrame(ctx, writeMu, watcher, transferCfg, data, cfg.Logger)
	}
}

// writeLock serialises writes to the worker's single WebSocket connection,
// the same exclusive-writer discipline the gateway enforces on its own
// sockets (spec.md §3: "writes to either WebSocket are serialised").
type writeLock struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWriteLock(conn *websocket.Conn) *writeLock { return &writeLock{conn: conn} }

func (w *writeLock) writeJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteMessage(websocket.TextMessage, b)
}

// inboundFrame is either a forwarded RPC op ({"id":N,"request":{op:args}}) or
// a bulk-transfer internal ack request ({"internal":[id, ack]}).
type inboundFrame struct {
	ID      *uint64                    `json:"id,omitempty"`
	Request map[string]json.RawMessage `json:"request,omitempty"`
	Internal json.RawMessage           `json:"internal,omitempty"`
}

func handleFrame(ctx context.Context, w *writeLock, watcher *watch.Registry, tcfg transfer.Config, raw []byte, logger *log.Logger) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Printf("worker: malformed frame: %v", err)
		return
	}

	switch {
	case f.ID != nil && f.Request != nil:
		handleOp(ctx, w, watcher, *f.ID, f.Request, logger)
	case f.Internal != nil:
		handleInternal(ctx, w, tcfg, f.Internal, logger)
	default:
		logger.Printf("worker: unrecognized frame: %s", raw)
	}
}

func handleOp(ctx context.Context, w *writeLock, watcher *watch.Registry, id uint64, request map[string]json.RawMessage, logger *log.Logger) {
	if len(request) != 1 {
		replyError(w, id, fmt.Errorf("request must carry exactly one operation"))
		return
	}
	var op string
	var args json.RawMessage
	for k, v := range request {
		op, args = k, v
	}

	var (
		result interface{}
		err    error
	)
	switch op {
	case "fs.access", "fs.exists", "fs.unlink", "fs.rm", "fs.rename", "fs.mkdir", "fs.writeFile", "fs.cp", "fs.trash":
		result, err = fsops.Dispatch(op, args)
	case "unzip":
		result, err = fsops.Unzip(args)
	case "watch":
		result, err = watcher.Dispatch(ctx, args, func(event []byte) {
			w.writeJSON(map[string]json.RawMessage{"event": event})
		})
	default:
		err = fmt.Errorf("unknown op %q", op)
	}

	if err != nil {
		logger.Printf("worker: op %q failed: %v", op, err)
		replyError(w, id, err)
		return
	}
	replyOK(w, id, result)
}

// handleInternal handles an internal request, [id, {"<kind>": ...}], per
// spec.md §4.5's internal bulk-transfer ack message.
func handleInternal(ctx context.Context, w *writeLock, tcfg transfer.Config, raw json.RawMessage, logger *log.Logger) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		logger.Printf("worker: malformed internal request")
		return
	}
	var id uint64
	if err := json.Unmarshal(tuple[0], &id); err != nil {
		logger.Printf("worker: malformed internal request id: %v", err)
		return
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(tuple[1], &body); err != nil || len(body) != 1 {
		replyError(w, id, fmt.Errorf("malformed internal request body"))
		return
	}
	var kind string
	var fields json.RawMessage
	for k, v := range body {
		kind, fields = k, v
	}

	// Ack immediately: the gateway's bulk splicer is waiting on this reply
	// before it starts awaiting the worker's loopback HTTP callback.
	replyOK(w, id, nil)

	if err := transfer.Dispatch(ctx, tcfg, id, kind, fields); err != nil {
		logger.Printf("worker: bulk transfer %d (%s) failed: %v", id, kind, err)
	}
}

func replyOK(w *writeLock, id uint64, result interface{}) {
	payload := result
	if payload == nil {
		payload = json.RawMessage("null")
	}
	w.writeJSON(map[string]interface{}{"id": id, "response": payload})
}

func replyError(w *writeLock, id uint64, err error) {
	w.writeJSON(map[string]interface{}{"id": id, "response": map[string]string{"error": err.Error()}})
}
