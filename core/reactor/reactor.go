package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the task queue length of a reactor
const DefaultQueueSize = 1024

// Task represents a unit of work run on a reactor
type Task func()

// Reactor is one event loop: a FIFO task queue serviced by a fixed set of
// worker goroutines. Blocking I/O never runs on a worker; it runs through Go
// and its completion is posted back as a task.
//
// Every posted task and every operation started with Go counts as pending
// work. After Stop the reactor refuses new work and shuts its workers down
// once the pending count reaches zero.
type Reactor struct {
	id      int
	workers int
	tasks   chan Task

	mu       sync.Mutex
	pending  int
	stopping bool
	closed   bool

	wg sync.WaitGroup

	// Statistics
	stats struct {
		tasksPosted    atomic.Uint64
		tasksCompleted atomic.Uint64
		opsStarted     atomic.Uint64
	}
}

// newReactor creates a reactor and starts its workers
func newReactor(id, workers, queueSize int) *Reactor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Reactor{
		id:      id,
		workers: workers,
		tasks:   make(chan Task, queueSize),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.run()
	}

	return r
}

// ID returns the reactor's index in its pool
func (r *Reactor) ID() int {
	return r.id
}

// Post enqueues task. It returns false once the reactor has shut down.
func (r *Reactor) Post(task Task) bool {
	if !r.acquire() {
		return false
	}
	r.stats.tasksPosted.Add(1)
	r.tasks <- task
	return true
}

// Go runs op on its own goroutine and posts done(err) back to the reactor
// when op returns. The operation counts as pending work until done has run.
// It returns false, without running anything, once the reactor has shut down.
func (r *Reactor) Go(op func() error, done func(error)) bool {
	if !r.acquire() {
		return false
	}
	r.stats.opsStarted.Add(1)

	go func() {
		err := op()
		r.stats.tasksPosted.Add(1)
		r.tasks <- func() { done(err) }
	}()

	return true
}

// Stop asks the reactor to halt once its pending work drains. Work already
// in flight may still chain further operations; new work is refused only
// after the queue has closed.
func (r *Reactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopping = true
	if r.pending == 0 {
		r.closeLocked()
	}
}

// Wait blocks until every worker has exited
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Pending returns the number of queued tasks and in-flight operations
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Reactor) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.pending++
	return true
}

func (r *Reactor) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending--
	if r.pending == 0 && r.stopping {
		r.closeLocked()
	}
}

func (r *Reactor) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.tasks)
}

// run is the main loop for a worker goroutine
func (r *Reactor) run() {
	defer r.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for task := range r.tasks {
		task()
		r.stats.tasksCompleted.Add(1)
		r.release()
	}
}

// Stats returns reactor statistics
func (r *Reactor) Stats() Stats {
	return Stats{
		ID:             r.id,
		Workers:        r.workers,
		TasksPosted:    r.stats.tasksPosted.Load(),
		TasksCompleted: r.stats.tasksCompleted.Load(),
		OpsStarted:     r.stats.opsStarted.Load(),
		Pending:        r.Pending(),
	}
}

// Stats contains reactor statistics
type Stats struct {
	ID             int
	Workers        int
	TasksPosted    uint64
	TasksCompleted uint64
	OpsStarted     uint64
	Pending        int
}
