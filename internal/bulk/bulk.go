// Package bulk implements the download/upload/preview splicer: large file
// transfers are too big to push through the JSON RPC channel, so they get a
// dedicated loopback HTTP rendezvous instead. The gateway tells the worker
// "make an HTTP request back to me carrying this transfer" over the normal
// RPC channel, the worker dials the gateway's loopback /client endpoint,
// and the gateway splices that connection's body to/from the original
// browser HTTP request.
package bulk

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"sshbridge/internal/peer"
)

// Kind names the three bulk-transfer operations.
type Kind string

const (
	Download Kind = "download"
	Upload   Kind = "upload"
	Preview  Kind = "preview"
)

// Failure is the three-way taxonomy a stalled or rejected transfer collapses
// into; all three present to the browser as a 404, but are logged
// distinctly server-side.
type Failure int

const (
	LostInternalClientConnection Failure = iota
	InternalClientRejectConnection
	Unknown
)

func (f Failure) Error() string {
	switch f {
	case LostInternalClientConnection:
		return "worker disconnected before completing the transfer"
	case InternalClientRejectConnection:
		return "worker rejected the transfer request"
	default:
		return "unknown bulk transfer failure"
	}
}

// internalAckFields is the kind-specific payload nested under the kind name
// in the internal ack request: {"internal": [id, {"download": {...}}]}.
type internalAckFields struct {
	Path  []string   `json:"path,omitempty"`
	Paths [][]string `json:"paths,omitempty"`
	Name  string     `json:"name,omitempty"`
}

// RequestTransfer asks the worker, over the RPC channel, to open a loopback
// HTTP connection back to the gateway for this transfer, then waits
// (two-stage rendezvous: RPC ack, then the worker's actual HTTP callback)
// before splicing browser<->worker bodies together.
func RequestTransfer(p *peer.Peer, kind Kind, path []string, paths [][]string, name string, w http.ResponseWriter, r *http.Request) error {
	id := p.NextRequestID()
	ackCh := p.AwaitRPC(id)
	rendez := p.AwaitHTTP(id)

	fields := internalAckFields{Path: path, Paths: paths, Name: name}
	payload, err := json.Marshal(map[string]interface{}{
		"internal": []interface{}{id, map[string]interface{}{string(kind): fields}},
	})
	if err != nil {
		p.CancelRPC(id)
		p.CancelHTTP(id)
		return fmt.Errorf("encoding internal request: %w", err)
	}
	if err := p.WorkerWrite.Write(websocket.TextMessage, payload); err != nil {
		p.CancelRPC(id)
		p.CancelHTTP(id)
		return LostInternalClientConnection
	}

	ackPayload, ok := <-ackCh
	if !ok {
		p.CancelHTTP(id)
		return LostInternalClientConnection
	}
	if trimmed := string(ackPayload); trimmed != "" && trimmed != "null" {
		p.CancelHTTP(id)
		return InternalClientRejectConnection
	}

	<-rendez.Done
	if rendez.Request == nil {
		return LostInternalClientConnection
	}
	defer close(rendez.SpliceDone)

	return splice(w, r, rendez)
}

// bufSize is the byte size of each splice goroutine's copy buffer.
const bufSize = 64 * 1024

// splice copies the browser request body into the worker's loopback
// response, and the worker's loopback request body back out to the browser,
// concurrently; each leg is an io.CopyBuffer, so a slow reader on either
// side holds back its writer.
func splice(w http.ResponseWriter, r *http.Request, rendez *peer.HTTPRendezvous) error {
	errCh := make(chan error, 2)

	go func() {
		if r.Body == nil || rendez.Response == nil {
			errCh <- nil
			return
		}
		_, err := io.CopyBuffer(rendez.Response, r.Body, make([]byte, bufSize))
		errCh <- err
	}()

	for k, vv := range rendez.Request.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	go func() {
		flusher, _ := w.(http.Flusher)
		_, err := io.CopyBuffer(flushWriter{w, flusher}, rendez.Request.Body, make([]byte, bufSize))
		errCh <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushWriter flushes after every write so streamed downloads don't sit in
// an intermediate buffer waiting for the whole body.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
