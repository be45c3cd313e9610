package rpc

import (
	"encoding/json"
	"fmt"
	"io"

	"sshbridge/internal/peer"
	"sshbridge/internal/sshclient"
)

// shellObject is the browser's "shell" envelope payload once it's no longer
// the bare open-by-id string: close, resize, and/or a data chunk to forward
// to the PTY, keyed by shell id.
type shellObject struct {
	ID    string          `json:"id"`
	Close json.RawMessage `json:"close,omitempty"`
	Resize *struct {
		Cols   int `json:"cols"`
		Rows   int `json:"rows"`
		Height int `json:"height"`
		Width  int `json:"width"`
	} `json:"resize,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// shellSession is one SSH shell channel. Its pump goroutine reads PTY output
// in a loop; writes, resizes and close requests go to the shell directly from
// HandleShellMessage, and done stops the pump from blocking on EventOut once
// the session is closed.
type shellSession struct {
	id    string
	shell *sshclient.Shell
	peer  *peer.Peer
	done  chan struct{}
}

func (s *shellSession) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.shell.Close()
}

// pump reads PTY output and forwards it verbatim (never assumed UTF-8) as
// shell "data" events on the peer's EventOut queue.
func (s *shellSession) pump() {
	defer s.peer.ShellStopped()
	bufPtr := sshclient.GetBuffer()
	defer sshclient.PutBuffer(bufPtr)
	buf := *bufPtr
	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			event, marshalErr := json.Marshal(map[string]interface{}{
				"event": map[string]interface{}{
					"shell": map[string]interface{}{
						"id":   s.id,
						"data": append([]byte(nil), buf[:n]...),
					},
				},
			})
			if marshalErr == nil {
				select {
				case s.peer.EventOut <- event:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			closeEvent, marshalErr := json.Marshal(map[string]interface{}{
				"event": map[string]interface{}{
					"shell": map[string]interface{}{
						"id":    s.id,
						"close": map[string]interface{}{},
					},
				},
			})
			if marshalErr == nil {
				select {
				case s.peer.EventOut <- closeEvent:
				case <-s.done:
				}
			}
			s.peer.RemoveShell(s.id)
			return
		}
	}
}

// decodeShellData accepts the browser's "data" field in either shape spec.md
// allows: a UTF-8 string or a literal JSON array of byte values. Either way
// the result is forwarded to the PTY verbatim.
func decodeShellData(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), nil
	}
	var b []byte
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("data field is neither a string nor a byte array")
}

// HandleShellMessage processes one "shell" envelope: the bare form
// `"shell": "<id>"` opens a new PTY; the object form carries close, resize,
// and/or data for an already-open shell id.
func HandleShellMessage(p *peer.Peer, sshConn *sshclient.Client, raw json.RawMessage) error {
	var openID string
	if err := json.Unmarshal(raw, &openID); err == nil {
		shell, err := sshclient.OpenShell(sshConn)
		if err != nil {
			return fmt.Errorf("opening shell %s: %w", openID, err)
		}
		sess := &shellSession{id: openID, shell: shell, peer: p, done: make(chan struct{})}
		p.RegisterShell(openID, sess)
		p.ShellStarted()
		go sess.pump()
		return nil
	}

	var msg shellObject
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decoding shell message: %w", err)
	}

	if msg.Close != nil {
		p.RemoveShell(msg.ID)
		return nil
	}

	h, ok := p.Shell(msg.ID)
	if !ok {
		return fmt.Errorf("unknown shell id %s", msg.ID)
	}
	sess, ok := h.(*shellSession)
	if !ok {
		return nil
	}

	if msg.Resize != nil {
		if err := sess.shell.Resize(msg.Resize.Cols, msg.Resize.Rows); err != nil {
			return err
		}
	}
	if len(msg.Data) > 0 {
		data, err := decodeShellData(msg.Data)
		if err != nil {
			return err
		}
		if _, err := sess.shell.Write(data); err != nil {
			return err
		}
	}
	return nil
}
