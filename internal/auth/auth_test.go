package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshbridge/internal/peer"
)

func TestIsCredentialFailure(t *testing.T) {
	assert.True(t, isCredentialFailure(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain")))
	assert.False(t, isCredentialFailure(errors.New("dial tcp 127.0.0.1:22: connect: connection refused")))
}

func TestGates_SerializesSameUsername(t *testing.T) {
	g := NewGates()
	var order []int
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release := g.Acquire("alice")
			defer release()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			order = append(order, n)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 3)
	assert.Equal(t, 1, maxActive, "at most one holder of the same username's gate at a time")
}

func TestGates_DifferentUsernamesDontBlock(t *testing.T) {
	g := NewGates()
	releaseA := g.Acquire("alice")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := g.Acquire("bob")
		defer releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different username's gate should not block")
	}
}

func TestGates_SelfCollectAfterRelease(t *testing.T) {
	g := NewGates()
	release := g.Acquire("alice")
	release()

	g.mu.Lock()
	_, exists := g.table["alice"]
	g.mu.Unlock()
	require.False(t, exists, "a fully-released gate must remove itself from the registry")
}

func TestSuspendedClients_HandoffUnblocksWaiter(t *testing.T) {
	s := NewSuspendedClients()
	sc := s.Suspend("tok")

	sink := peer.NewWriteSink(func(int, []byte) error { return nil })
	_, ok := s.Handoff("tok", sink)
	require.True(t, ok)

	select {
	case got := <-sc.workerWrite:
		assert.Same(t, sink, got)
	case <-time.After(time.Second):
		t.Fatal("suspended waiter should have been released")
	}
}

func TestSuspendedClients_HandoffUnknownTokenIsNoop(t *testing.T) {
	s := NewSuspendedClients()
	sink := peer.NewWriteSink(func(int, []byte) error { return nil })
	_, ok := s.Handoff("missing", sink)
	assert.False(t, ok)
}

func TestSuspendedClients_AwaitPeerUnblocksOnceFulfilled(t *testing.T) {
	s := NewSuspendedClients()
	sc := s.Suspend("tok")
	sink := peer.NewWriteSink(func(int, []byte) error { return nil })
	_, ok := s.Handoff("tok", sink)
	require.True(t, ok)

	p := peer.New("tok", "alice")
	done := make(chan *peer.Peer, 1)
	go func() { done <- sc.AwaitPeer() }()
	sc.peerReady <- p

	select {
	case got := <-done:
		assert.Same(t, p, got)
	case <-time.After(time.Second):
		t.Fatal("AwaitPeer should have returned once peerReady was fulfilled")
	}
}
