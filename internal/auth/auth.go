// Package auth implements the gateway's authentication state machine: a
// browser connection supplies OS credentials, the gateway verifies them by
// dialing the host's real sshd, spawns a worker process over that session,
// and waits for the worker to call back before the peer is usable.
//
// There is no local user database: a successful SSH password dial against
// localhost *is* authentication, delegated entirely to the host OS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sshbridge/internal/peer"
	"sshbridge/internal/sshclient"
)

// State names the authentication state machine's states: the five stages of
// a login plus Failed.
type State int

const (
	AwaitingCredentials State = iota
	Verifying
	SpawningWorker
	AwaitingWorkerCallback
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingCredentials:
		return "awaiting_credentials"
	case Verifying:
		return "verifying"
	case SpawningWorker:
		return "spawning_worker"
	case AwaitingWorkerCallback:
		return "awaiting_worker_callback"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailedAuthDelay is the unconditional delay applied after a failed login
// attempt, credential failure or internal error alike. Deliberately a fixed
// delay, not exponential backoff: the gateway doesn't try to distinguish a
// mistyped password from a brute-force attempt, it just makes every failure
// cost the same.
const FailedAuthDelay = 5 * time.Second

// CredentialFailureMessage is the literal message surfaced to the browser
// when the host sshd rejects the supplied username/password. It is the same
// wording regardless of which of the two was wrong, so a login attempt
// can't be used to enumerate valid usernames.
const CredentialFailureMessage = "Username and password authenticate failed"

// InternalAuthErrorMessage is surfaced instead of CredentialFailureMessage
// when the dial against the host sshd fails for a reason that isn't a
// credential rejection (sshd unreachable, connection reset, timeout): the
// browser sees a generic failure rather than a message implying its
// credentials specifically were the problem.
const InternalAuthErrorMessage = "authentication failed due to an internal error"

// isCredentialFailure reports whether err is the host sshd rejecting the
// supplied username/password, as opposed to some other dial failure.
// golang.org/x/crypto/ssh doesn't export a sentinel for this; it surfaces
// rejected auth as an error whose message contains "unable to authenticate".
func isCredentialFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// WorkerCallbackTimeout bounds how long AwaitingWorkerCallback waits for the
// spawned worker to dial the gateway back over /client.
const WorkerCallbackTimeout = 5 * time.Second

// WorkerCommand builds the command line the gateway execs over the
// authenticated SSH session, matching spec's "--client <token>
// --listen-address localhost:<port>" shape.
func WorkerCommand(binary, token string, callbackPort int) string {
	return fmt.Sprintf("%s --client %s --listen-address localhost:%d", binary, token, callbackPort)
}

// gate is the per-username serialization lock: only one authentication
// attempt for a given username may be in flight at a time; the gate is held
// for the whole Authenticate call, failed-auth delay and worker-callback
// wait included. Go has no weak references, so the "entries self-collect once
// drained" discipline is reproduced with an explicit refcount: the gate is
// removed from the registry the moment its last waiter releases it.
type gate struct {
	mu       sync.Mutex
	refcount int
}

// Gates is the registry of per-username locks.
type Gates struct {
	mu    sync.Mutex
	table map[string]*gate
}

// NewGates builds an empty gate registry.
func NewGates() *Gates {
	return &Gates{table: make(map[string]*gate)}
}

// Acquire blocks until it owns the named user's gate and returns a release
// function. Concurrent logins for the *same* username serialize; different
// usernames never contend.
func (g *Gates) Acquire(username string) func() {
	g.mu.Lock()
	gt, ok := g.table[username]
	if !ok {
		gt = &gate{}
		g.table[username] = gt
	}
	gt.refcount++
	g.mu.Unlock()

	gt.mu.Lock()

	return func() {
		gt.mu.Unlock()
		g.mu.Lock()
		gt.refcount--
		if gt.refcount == 0 {
			delete(g.table, username)
		}
		g.mu.Unlock()
	}
}

// SuspendedClient is the one-shot rendezvous between one login's
// AwaitingWorkerCallback wait and the gateway's /client WebSocket handler:
// the handler hands off the worker's write sink through workerWrite;
// Authenticate, once it has built and registered the resulting peer, hands
// it back through peerReady so the handler's reader loop has something to
// route frames into.
type SuspendedClient struct {
	workerWrite chan *peer.WriteSink
	peerReady   chan *peer.Peer
}

// AwaitPeer blocks until Authenticate has constructed and registered the
// peer for this handoff. Called by the /client handler after handing off
// the worker's write sink.
func (sc *SuspendedClient) AwaitPeer() *peer.Peer {
	return <-sc.peerReady
}

// SuspendedClients is the rendezvous table a not-yet-Ready browser
// connection waits in while its worker is spawning: the WebSocket handler
// parks here until AwaitingWorkerCallback resolves, then hands the browser
// connection off to the peer registry.
type SuspendedClients struct {
	mu    sync.Mutex
	table map[string]*SuspendedClient
}

// NewSuspendedClients builds an empty rendezvous table.
func NewSuspendedClients() *SuspendedClients {
	return &SuspendedClients{table: make(map[string]*SuspendedClient)}
}

// Suspend registers a token as awaiting its worker's callback.
func (s *SuspendedClients) Suspend(token string) *SuspendedClient {
	sc := &SuspendedClient{
		workerWrite: make(chan *peer.WriteSink, 1),
		peerReady:   make(chan *peer.Peer, 1),
	}
	s.mu.Lock()
	s.table[token] = sc
	s.mu.Unlock()
	return sc
}

// Remove drops a suspended entry without fulfilling it; used when
// AwaitingWorkerCallback times out or its context is cancelled, so a worker
// that calls back late finds nothing to hand off to.
func (s *SuspendedClients) Remove(token string) {
	s.mu.Lock()
	delete(s.table, token)
	s.mu.Unlock()
}

// Handoff is called by the gateway's /client WebSocket handler once it has
// upgraded the worker's connection: it offers the worker's write sink to
// whichever Authenticate call is waiting on token. The bool is false if no
// login is suspended under that token (unknown, already timed out, or
// already fulfilled by an earlier callback) — the caller should treat that
// as a protocol error and close the connection.
func (s *SuspendedClients) Handoff(token string, writeSink *peer.WriteSink) (*SuspendedClient, bool) {
	s.mu.Lock()
	sc, ok := s.table[token]
	if ok {
		delete(s.table, token)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	sc.workerWrite <- writeSink
	return sc, true
}

// Verifier performs the actual credential check by dialing the host sshd.
// Implemented in terms of sshclient so it's swappable in tests.
type Verifier func(username, password string, sshPort int) (*sshclient.Client, error)

// DefaultVerifier dials localhost:sshPort with the supplied credentials.
func DefaultVerifier(username, password string, sshPort int) (*sshclient.Client, error) {
	return sshclient.Dial("localhost", sshPort, username, password)
}

// Session tracks one browser connection's progress through the state
// machine and owns the resulting SSH client once authenticated.
type Session struct {
	Token string
	State State
	SSH   *sshclient.Client

	mu sync.Mutex
}

// Machine coordinates the whole authentication flow for the gateway.
type Machine struct {
	Gates      *Gates
	Suspended  *SuspendedClients
	Registry   *peer.Registry
	Verify     Verifier
	SSHPort    int
	WorkerBin  string
	SpawnPort  int
}

// NewMachine wires a Machine from its collaborators.
func NewMachine(registry *peer.Registry, sshPort int, workerBin string, spawnPort int) *Machine {
	return &Machine{
		Gates:     NewGates(),
		Suspended: NewSuspendedClients(),
		Registry:  registry,
		Verify:    DefaultVerifier,
		SSHPort:   sshPort,
		WorkerBin: workerBin,
		SpawnPort: spawnPort,
	}
}

// Authenticate runs one browser's full login flow: verify credentials
// against the host sshd, spawn a worker, and wait (bounded) for that worker
// to call back. On success it returns a Ready peer already registered.
func (m *Machine) Authenticate(ctx context.Context, username, password string) (*peer.Peer, error) {
	release := m.Gates.Acquire(username)
	defer release()

	sshConn, err := m.Verify(username, password, m.SSHPort)
	if err != nil {
		time.Sleep(FailedAuthDelay)
		if isCredentialFailure(err) {
			return nil, errors.New(CredentialFailureMessage)
		}
		return nil, errors.New(InternalAuthErrorMessage)
	}

	token := uuid.NewString()
	sc := m.Suspended.Suspend(token)
	if err := sshConn.SpawnWorker(WorkerCommand(m.WorkerBin, token, m.SpawnPort)); err != nil {
		m.Suspended.Remove(token)
		sshConn.Close()
		return nil, fmt.Errorf("spawning worker: %w", err)
	}

	var workerWrite *peer.WriteSink
	select {
	case workerWrite = <-sc.workerWrite:
	case <-time.After(WorkerCallbackTimeout):
		m.Suspended.Remove(token)
		sshConn.Close()
		return nil, fmt.Errorf("timed out waiting for worker callback")
	case <-ctx.Done():
		m.Suspended.Remove(token)
		sshConn.Close()
		return nil, ctx.Err()
	}

	p := peer.New(token, username)
	p.SSH = sshConn
	p.WorkerWrite = workerWrite
	m.Registry.Add(p)
	sc.peerReady <- p
	return p, nil
}
