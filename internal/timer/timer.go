package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
)

var (
	// ErrTimeout marks a registration whose deadline fired before the
	// full response set arrived.
	ErrTimeout = errors.New("response timed out")
	// ErrNoRoute marks a request the forwarder could not place anywhere.
	ErrNoRoute = errors.New("no route to destination")
	// ErrCancelled marks a registration resolved during shutdown.
	ErrCancelled = errors.New("request cancelled")
)

// Callback receives one response payload per call, or a terminal marker
// through err.
type Callback func(payload []byte, err error)

type task struct {
	cb        Callback
	remaining int
	deadline  *time.Timer
}

// Timer is the pending-response registry. Each registration fires its
// callback at most once per expected response, plus exactly one marker if
// the deadline passes first. Callbacks run on a small worker pool so the
// receive path never executes caller code.
type Timer struct {
	log telemetry.Logger

	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]*task
	stopped bool

	fire chan func()
	wg   sync.WaitGroup
}

func New(workers int, log telemetry.Logger) *Timer {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = telemetry.Nop()
	}
	t := &Timer{
		log:   log,
		tasks: make(map[uint64]*task),
		fire:  make(chan func(), 64),
	}
	t.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.worker()
	}
	return t
}

func (t *Timer) worker() {
	defer t.wg.Done()
	for fn := range t.fire {
		fn()
	}
}

// AddTask registers a callback expecting expected responses within
// timeout. The returned id correlates responses; ids are unique for the
// process lifetime.
func (t *Timer) AddTask(timeout time.Duration, expected int, cb Callback) uint64 {
	if expected <= 0 {
		expected = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	if t.stopped {
		// Resolve immediately rather than leak a registration nothing
		// will ever complete.
		go cb(nil, ErrCancelled)
		return id
	}

	tk := &task{cb: cb, remaining: expected}
	tk.deadline = time.AfterFunc(timeout, func() { t.expire(id) })
	t.tasks[id] = tk
	return id
}

// Cancel removes a registration; its callback will not run again.
func (t *Timer) Cancel(id uint64) {
	t.mu.Lock()
	tk := t.tasks[id]
	if tk != nil {
		delete(t.tasks, id)
		tk.deadline.Stop()
	}
	t.mu.Unlock()
}

// ExecuteTask delivers one response payload. Payloads arriving for an
// unknown (late, cancelled, completed) id are dropped silently.
func (t *Timer) ExecuteTask(id uint64, payload []byte) {
	t.mu.Lock()
	tk := t.tasks[id]
	if tk == nil {
		t.mu.Unlock()
		return
	}
	tk.remaining--
	if tk.remaining <= 0 {
		delete(t.tasks, id)
		tk.deadline.Stop()
	}
	cb := tk.cb
	t.dispatchLocked(func() { cb(payload, nil) })
	t.mu.Unlock()
}

// FailTask resolves a registration with a terminal marker, typically
// ErrNoRoute when forwarding gave up.
func (t *Timer) FailTask(id uint64, cause error) {
	t.mu.Lock()
	tk := t.tasks[id]
	if tk == nil {
		t.mu.Unlock()
		return
	}
	delete(t.tasks, id)
	tk.deadline.Stop()
	cb := tk.cb
	t.dispatchLocked(func() { cb(nil, cause) })
	t.mu.Unlock()
}

func (t *Timer) expire(id uint64) {
	t.mu.Lock()
	tk := t.tasks[id]
	if tk == nil {
		t.mu.Unlock()
		return
	}
	delete(t.tasks, id)
	cb := tk.cb
	t.dispatchLocked(func() { cb(nil, ErrTimeout) })
	t.mu.Unlock()
	t.log.Printf("timer: task %d timed out with %d response(s) outstanding", id, tk.remaining)
}

// Pending returns the number of live registrations.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Stop resolves every outstanding registration with ErrCancelled and
// shuts the worker pool down.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, tk := range t.tasks {
		delete(t.tasks, id)
		tk.deadline.Stop()
		cb := tk.cb
		t.dispatchLocked(func() { cb(nil, ErrCancelled) })
	}
	t.mu.Unlock()

	close(t.fire)
	t.wg.Wait()
}

// dispatchLocked hands fn to the pool, falling back to a fresh goroutine
// when the queue is saturated so resolution is never lost.
func (t *Timer) dispatchLocked(fn func()) {
	select {
	case t.fire <- fn:
	default:
		go fn()
	}
}
