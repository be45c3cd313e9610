// Package sshclient dials the host's own sshd as a client, the way a
// terminal emulator would, and uses that authenticated session to spawn the
// per-browser worker process and open interactive PTY shells.
//
// This is the client-side counterpart of what a tunnel gateway would
// normally terminate as an SSH server itself: sshbridge never runs its own
// SSH server or user database. The host's sshd is the sole source of truth
// for accounts, and a successful password dial here *is* authentication.
package sshclient

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// BufferPoolSize is the chunk size used when pumping SSH channel data.
const BufferPoolSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, BufferPoolSize)
		return &buf
	},
}

// GetBuffer and PutBuffer hand out and return pooled scratch buffers for
// callers that read in a loop themselves (shell PTY pumping) rather than
// driving a single io.Copy.
func GetBuffer() *[]byte  { return bufferPool.Get().(*[]byte) }
func PutBuffer(b *[]byte) { bufferPool.Put(b) }

// CopyWithPooledBuffer is io.Copy with a reused buffer, cutting GC pressure
// on the many short-lived channel and file copies a busy gateway performs.
func CopyWithPooledBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// DialTimeout bounds how long the initial TCP+SSH handshake against the host
// sshd may take.
const DialTimeout = 10 * time.Second

// Client wraps an authenticated SSH connection to the host's sshd for one
// browser session.
type Client struct {
	conn    *ssh.Client
	Username string
}

// Dial authenticates username/password against localhost:port the same way
// any SSH client would. Host key verification is intentionally disabled:
// this is a loopback connection to the machine's own sshd, the same trust
// assumption the worker makes dialing back to the gateway over loopback TLS.
func Dial(host string, port int, username, password string) (*Client, error) {
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DialTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, Username: username}, nil
}

// Close tears down the underlying SSH connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SpawnWorker execs command on a fresh session channel and returns
// immediately once the process has started; the worker runs detached from
// this call and dials the gateway back on its own.
func (c *Client) SpawnWorker(command string) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("opening session channel: %w", err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return fmt.Errorf("starting worker: %w", err)
	}
	go func() {
		session.Wait()
		session.Close()
	}()
	return nil
}

// Shell is an interactive PTY-backed session opened on the authenticated
// connection, with the original web-ssh-tool worker's terminal type and
// column/row size.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// PTY geometry of the original worker's request_pty call: 83 columns, 34
// rows, 512x512 pixels. OpenShell sends the columns and rows only:
// Session.RequestPty takes no pixel size, so PTYWidthPx and PTYHeightPx are
// not sent to the host.
const (
	PTYColumns   = 83
	PTYRows      = 34
	PTYWidthPx   = 512
	PTYHeightPx  = 512
	PTYTermType  = "xterm"
)

// OpenShell requests a PTY and an interactive shell on a new session
// channel.
func OpenShell(c *Client) (*Shell, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening shell session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(PTYTermType, PTYRows, PTYColumns, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	return &Shell{session: session, stdin: stdin, stdout: stdout}, nil
}

// Write forwards raw bytes from the browser into the PTY, verbatim, never
// assuming UTF-8.
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Read pulls raw PTY output, verbatim.
func (s *Shell) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Resize sends a window-change request for an interactive terminal resize.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close ends the PTY session.
func (s *Shell) Close() error {
	return s.session.Close()
}
