// Package rpc implements the bidirectional JSON correlator that runs over
// the browser's WebSocket once a peer is Ready: numeric request ids tie a
// browser request to its eventual worker reply, Text frames carry plain
// JSON and Binary frames carry gzip-compressed JSON transparently in both
// directions.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"sshbridge/internal/peer"
)

// InboundFanout bounds how many inbound browser messages may be dispatched
// concurrently per peer.
const InboundFanout = 10

// inboundEnvelope is the shape of a browser->gateway message once a peer is
// Ready: an opaque correlation tag plus a single-key "request" object whose
// key names the operation (fs.access, shell, token, …).
type inboundEnvelope struct {
	Tag     json.RawMessage            `json:"tag"`
	Request map[string]json.RawMessage `json:"request"`
}

// outboundReply is the gateway->browser response to a tagged request.
type outboundReply struct {
	Tag      json.RawMessage `json:"tag"`
	Response json.RawMessage `json:"response"`
}

// workerFrame is the shape of a message arriving on the worker's own
// WebSocket: either a reply to a previously forwarded id, or an
// asynchronous event destined for the browser.
type workerFrame struct {
	ID       *uint64         `json:"id,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Event    json.RawMessage `json:"event,omitempty"`
}

// Dispatcher routes an inbound browser message to the right handler.
// Returned errors are logged, never fatal to the connection: a single
// malformed message must not take down the whole peer.
type Dispatcher struct {
	Peer *peer.Peer
	// HandleShell processes a "shell" request's value, responding via the
	// peer's shell-session bookkeeping rather than a return value.
	HandleShell func(ctx context.Context, raw json.RawMessage) error
	Logger      *log.Logger
}

// Decode reads one WebSocket message and returns its decompressed JSON
// bytes. Binary frames are gzip-compressed; Text frames are plain.
func Decode(messageType int, data []byte) ([]byte, error) {
	if messageType != websocket.BinaryMessage {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing binary frame: %w", err)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("reading decompressed frame: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeText marshals v as plain Text-frame JSON.
func EncodeText(v interface{}) (int, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	return websocket.TextMessage, b, nil
}

// EncodeBinary marshals v and gzip-compresses it for a Binary frame, the
// form Decode accepts on input. The dispatcher's replies and the event pump
// write Text frames.
func EncodeBinary(v interface{}) (int, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return 0, nil, err
	}
	if err := zw.Close(); err != nil {
		return 0, nil, err
	}
	return websocket.BinaryMessage, buf.Bytes(), nil
}

// Dispatch decodes one inbound browser frame and routes it by the first (and
// only) key of its "request" object: "token" is echoed back, "shell" goes to
// HandleShell, "internal" is a no-op at this layer (the bulk-transfer path
// drives it from the server side, not the browser), and anything else is
// forwarded to the worker as a fresh correlated RPC.
func (d *Dispatcher) Dispatch(ctx context.Context, messageType int, raw []byte) error {
	data, err := Decode(messageType, raw)
	if err != nil {
		return err
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if len(env.Request) != 1 {
		return fmt.Errorf("request envelope must carry exactly one operation, got %d", len(env.Request))
	}
	var op string
	var args json.RawMessage
	for k, v := range env.Request {
		op, args = k, v
	}

	switch op {
	case "token":
		return d.reply(env.Tag, mustMarshal(d.Peer.ID))
	case "shell":
		if d.HandleShell != nil {
			if err := d.HandleShell(ctx, args); err != nil {
				return d.reply(env.Tag, errorResponse(err))
			}
		}
		return d.reply(env.Tag, []byte("null"))
	case "internal":
		return nil
	default:
		return d.forward(ctx, env.Tag, op, args)
	}
}

// forward allocates a fresh request id, sends {"id":id,"request":{op:args}}
// to the worker, and blocks until the worker's reply (or peer teardown)
// fulfils it, then replies to the browser under its original tag.
func (d *Dispatcher) forward(ctx context.Context, tag json.RawMessage, op string, args json.RawMessage) error {
	if d.Peer.WorkerWrite == nil {
		return d.reply(tag, errorResponse(fmt.Errorf("internal error: no worker connected")))
	}

	id := d.Peer.NextRequestID()
	waitCh := d.Peer.AwaitRPC(id)

	frame, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"request": map[string]json.RawMessage{op: args},
	})
	if err != nil {
		d.Peer.CancelRPC(id)
		return fmt.Errorf("encoding forwarded request: %w", err)
	}
	if err := d.Peer.WorkerWrite.Write(websocket.TextMessage, frame); err != nil {
		d.Peer.CancelRPC(id)
		return d.reply(tag, errorResponse(fmt.Errorf("internal error: %w", err)))
	}

	select {
	case payload, ok := <-waitCh:
		if !ok {
			return d.reply(tag, errorResponse(fmt.Errorf("internal error: peer disconnected")))
		}
		return d.reply(tag, payload)
	case <-ctx.Done():
		d.Peer.CancelRPC(id)
		return ctx.Err()
	}
}

// reply sends {"tag":tag,"response":value} to the browser.
func (d *Dispatcher) reply(tag json.RawMessage, value json.RawMessage) error {
	b, err := json.Marshal(outboundReply{Tag: tag, Response: value})
	if err != nil {
		return err
	}
	return d.Peer.BrowserWrite().Write(websocket.TextMessage, b)
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func errorResponse(err error) json.RawMessage {
	return mustMarshal(map[string]string{"error": err.Error()})
}

// HandleWorkerFrame parses one frame read from the worker's own WebSocket
// and routes it: a reply (id+response) is delivered to the matching
// rpc_pending waiter, an event is pushed onto the peer's event-out queue for
// the browser event-pump to forward. Unknown shapes are logged and dropped.
func HandleWorkerFrame(p *peer.Peer, data []byte, logger *log.Logger) {
	var f workerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		if logger != nil {
			logger.Printf("peer %s: malformed worker frame: %v", p.ID, err)
		}
		return
	}
	switch {
	case f.ID != nil && f.Response != nil:
		p.ResolveRPC(*f.ID, f.Response)
	case f.Event != nil:
		select {
		case p.EventOut <- mustMarshal(map[string]json.RawMessage{"event": f.Event}):
		default:
			if logger != nil {
				logger.Printf("peer %s: event queue full, dropping event", p.ID)
			}
		}
	default:
		if logger != nil {
			logger.Printf("peer %s: unrecognized worker frame: %s", p.ID, data)
		}
	}
}

// Pump reads frames from the browser's WebSocket and feeds them to Dispatch
// with bounded concurrency, the way the original server's for_each_concurrent
// call limits in-flight work per connection.
func Pump(ctx context.Context, conn *websocket.Conn, d *Dispatcher) error {
	sem := make(chan struct{}, InboundFanout)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType == websocket.PingMessage {
			continue
		}
		sem <- struct{}{}
		go func(mt int, payload []byte) {
			defer func() { <-sem }()
			if err := d.Dispatch(ctx, mt, payload); err != nil && d.Logger != nil {
				d.Logger.Printf("peer %s: dispatch error: %v", d.Peer.ID, err)
			}
		}(messageType, data)
	}
}
