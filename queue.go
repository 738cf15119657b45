package portmap

import (
	"sync"
	"time"
)

// TaskQueue is a single-threaded cooperative queue: a serial FIFO of
// closures plus a small set of cancellable timers. It is the entire locking
// discipline described in spec.md section 5 ("Concurrency & Resource
// Model") — state owned by a queue is touched only from code running on
// that queue, and queues hand off to each other only by posting a closure,
// never by blocking on one another.
//
// The coordinator, the NAT-PMP driver and the UPnP driver each own exactly
// one TaskQueue.
type TaskQueue struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	timers  map[*queueTimer]struct{}
	stopped bool
}

type queueTimer struct {
	t         *time.Timer
	cancelled bool
}

// NewTaskQueue creates and starts a queue with the given backlog capacity.
func NewTaskQueue(backlog int) *TaskQueue {
	if backlog <= 0 {
		backlog = 64
	}
	q := &TaskQueue{
		tasks:  make(chan func(), backlog),
		quit:   make(chan struct{}),
		timers: make(map[*queueTimer]struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *TaskQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-q.quit:
			// Drain any tasks already queued before returning, so that a
			// Post() racing with Stop() never silently vanishes its effect
			// if it made it into the channel in time.
			for {
				select {
				case fn := <-q.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the queue's goroutine. Posting after the queue
// has stopped is a cheap no-op, per spec.md's "Observer hand-off" design
// note.
func (q *TaskQueue) Post(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case q.tasks <- fn:
	case <-q.quit:
	}
}

// PostAfter schedules fn to run on the queue after d has elapsed. The
// returned cancel function guarantees the task will not run if called
// before it fires.
func (q *TaskQueue) PostAfter(d time.Duration, fn func()) (cancel func()) {
	qt := &queueTimer{}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return func() {}
	}
	qt.t = time.AfterFunc(d, func() {
		q.mu.Lock()
		cancelled := qt.cancelled
		delete(q.timers, qt)
		q.mu.Unlock()
		if cancelled {
			return
		}
		q.Post(fn)
	})
	q.timers[qt] = struct{}{}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		qt.cancelled = true
		qt.t.Stop()
		q.mu.Unlock()
	}
}

// Tick starts a recurring task, run every d until the returned function is
// called or the queue stops. Used for the reconciliation loop and for
// NAT-PMP renewal scanning.
func (q *TaskQueue) Tick(d time.Duration, fn func()) (cancel func()) {
	stopCh := make(chan struct{})
	var once sync.Once

	var loop func()
	loop = func() {
		select {
		case <-stopCh:
			return
		default:
		}
		fn()
		q.PostAfter(d, loop)
	}
	q.PostAfter(d, loop)

	return func() {
		once.Do(func() { close(stopCh) })
	}
}

// Stop signals the queue to finish its current backlog and exit. It waits
// up to timeout for the goroutine to drain, returning false if it timed
// out. Matches the "terminate() waits up to 10s and then proceeds
// regardless" policy of spec.md section 5.
func (q *TaskQueue) Stop(timeout time.Duration) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return true
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
