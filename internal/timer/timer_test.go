package timer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	errs     []error
}

func (r *recorder) cb(payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads), len(r.errs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestFullResponseSetNoTimeout(t *testing.T) {
	tm := New(2, nil)
	defer tm.Stop()

	var r recorder
	id := tm.AddTask(50*time.Millisecond, 2, r.cb)

	tm.ExecuteTask(id, []byte("a"))
	tm.ExecuteTask(id, []byte("b"))

	waitFor(t, func() bool { p, _ := r.counts(); return p == 2 })
	time.Sleep(80 * time.Millisecond) // past the deadline
	p, e := r.counts()
	if p != 2 || e != 0 {
		t.Fatalf("payloads=%d errs=%d, want 2/0", p, e)
	}
	if tm.Pending() != 0 {
		t.Fatalf("completed task still pending")
	}
}

func TestTimeoutFiresOnceForShortfall(t *testing.T) {
	tm := New(2, nil)
	defer tm.Stop()

	var r recorder
	id := tm.AddTask(30*time.Millisecond, 3, r.cb)
	tm.ExecuteTask(id, []byte("only"))

	waitFor(t, func() bool { _, e := r.counts(); return e == 1 })
	r.mu.Lock()
	if !errors.Is(r.errs[0], ErrTimeout) {
		t.Fatalf("marker = %v, want ErrTimeout", r.errs[0])
	}
	r.mu.Unlock()

	// Late payload after timeout is dropped silently.
	tm.ExecuteTask(id, []byte("late"))
	time.Sleep(20 * time.Millisecond)
	p, e := r.counts()
	if p != 1 || e != 1 {
		t.Fatalf("payloads=%d errs=%d after late delivery, want 1/1", p, e)
	}
}

func TestCancelPreventsInvocation(t *testing.T) {
	tm := New(2, nil)
	defer tm.Stop()

	var r recorder
	id := tm.AddTask(30*time.Millisecond, 1, r.cb)
	tm.Cancel(id)
	tm.ExecuteTask(id, []byte("x"))
	time.Sleep(60 * time.Millisecond)

	p, e := r.counts()
	if p != 0 || e != 0 {
		t.Fatalf("cancelled task fired: payloads=%d errs=%d", p, e)
	}
}

func TestFailTaskResolvesWithMarker(t *testing.T) {
	tm := New(2, nil)
	defer tm.Stop()

	var r recorder
	id := tm.AddTask(time.Second, 1, r.cb)
	tm.FailTask(id, ErrNoRoute)

	waitFor(t, func() bool { _, e := r.counts(); return e == 1 })
	r.mu.Lock()
	defer r.mu.Unlock()
	if !errors.Is(r.errs[0], ErrNoRoute) {
		t.Fatalf("marker = %v, want ErrNoRoute", r.errs[0])
	}
}

func TestIDsAreUnique(t *testing.T) {
	tm := New(2, nil)
	defer tm.Stop()

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := tm.AddTask(time.Second, 1, func([]byte, error) {})
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestStopResolvesOutstanding(t *testing.T) {
	tm := New(2, nil)

	var r recorder
	tm.AddTask(time.Hour, 1, r.cb)
	tm.AddTask(time.Hour, 1, r.cb)
	tm.Stop()

	p, e := r.counts()
	if p != 0 || e != 2 {
		t.Fatalf("payloads=%d errs=%d after stop, want 0/2", p, e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("marker = %v, want ErrCancelled", err)
		}
	}
}
