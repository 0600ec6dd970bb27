package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/netx"
)

type sink struct {
	mu   sync.Mutex
	msgs [][]byte
	from []netx.Addr
	lost []netx.Addr
}

func (s *sink) onMessage(data []byte, from netx.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, data)
	s.from = append(s.from, from)
}

func (s *sink) onLost(peer netx.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, peer)
}

func (s *sink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func newManager(t *testing.T) (*Manager, *sink, netx.EndpointPair) {
	t.Helper()
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	m := New(netx.NewTCPNetwork(), keys, nil, false)
	s := &sink{}
	eps, _, _, err := m.Bootstrap(nil, s.onMessage, s.onLost, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, s, eps
}

func TestSendBetweenManagers(t *testing.T) {
	a, _, aEps := newManager(t)
	_, bSink, bEps := newManager(t)

	if err := a.Add(aEps.Local, bEps.Local, []byte("hello-validation")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The validation bytes arrive as b's first message from a.
	waitFor(t, func() bool { return bSink.messageCount() >= 1 })
	bSink.mu.Lock()
	if string(bSink.msgs[0]) != "hello-validation" {
		t.Fatalf("validation payload = %q", bSink.msgs[0])
	}
	bSink.mu.Unlock()

	sent := make(chan error, 1)
	a.Send(bEps.Local, []byte("payload"), func(err error) { sent <- err })
	if err := <-sent; err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return bSink.messageCount() >= 2 })
	bSink.mu.Lock()
	if string(bSink.msgs[1]) != "payload" {
		t.Fatalf("payload = %q", bSink.msgs[1])
	}
	bSink.mu.Unlock()
}

func TestSendToUnknownPeerFails(t *testing.T) {
	a, _, _ := newManager(t)

	sent := make(chan error, 1)
	a.Send("127.0.0.1:1", []byte("x"), func(err error) { sent <- err })
	if err := <-sent; err == nil {
		t.Fatalf("expected error for unknown peer")
	}
}

func TestRemoveDropsConnection(t *testing.T) {
	a, _, aEps := newManager(t)
	_, _, bEps := newManager(t)

	if err := a.Add(aEps.Local, bEps.Local, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !a.Connected(bEps.Local) {
		t.Fatalf("not connected after Add")
	}
	a.Remove(bEps.Local)
	if a.Connected(bEps.Local) {
		t.Fatalf("still connected after Remove")
	}
}

func TestConnectionLostFires(t *testing.T) {
	a, aSink, aEps := newManager(t)
	b, _, bEps := newManager(t)

	if err := a.Add(aEps.Local, bEps.Local, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, func() bool { return a.ConnectionCount() == 1 })

	b.Stop()
	waitFor(t, func() bool {
		aSink.mu.Lock()
		defer aSink.mu.Unlock()
		return len(aSink.lost) >= 1
	})
}
