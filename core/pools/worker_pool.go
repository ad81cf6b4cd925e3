package pools

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("pools: worker queue full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("pools: worker pool closed")
	// ErrInvalidPoolSize is returned for a non-positive queue capacity.
	ErrInvalidPoolSize = errors.New("pools: invalid pool size")
)

// Task represents a unit of work
type Task interface {
	Process()
}

// TaskFunc adapts a plain function to a Task.
type TaskFunc func()

func (f TaskFunc) Process() { f() }

// WorkerPool is a bounded FIFO of tasks consumed by a fixed set of worker
// goroutines. Each worker is locked to its own OS thread.
type WorkerPool struct {
	numWorkers int

	mu     sync.Mutex
	cond   *sync.Cond
	ring   []Task
	head   int
	size   int
	closed bool

	wg sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		tasksRejected  atomic.Uint64
	}
}

// NewWorkerPool creates a pool of numWorkers workers (NumCPU when <= 0)
// over a queue holding at most capacity tasks.
func NewWorkerPool(numWorkers, capacity int) (*WorkerPool, error) {
	if capacity <= 0 {
		return nil, ErrInvalidPoolSize
	}
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		ring:       make([]Task, capacity),
	}
	pool.cond = sync.NewCond(&pool.mu)

	pool.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go pool.run()
	}

	return pool, nil
}

// Submit appends task to the queue and wakes one idle worker.
// It never blocks: a full queue yields ErrQueueFull.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.size == len(p.ring) {
		p.mu.Unlock()
		p.stats.tasksRejected.Add(1)
		return ErrQueueFull
	}
	p.ring[(p.head+p.size)%len(p.ring)] = task
	p.size++
	p.mu.Unlock()

	p.stats.tasksSubmitted.Add(1)
	p.cond.Signal()
	return nil
}

// pop removes the oldest task. Caller holds mu and size > 0.
func (p *WorkerPool) pop() Task {
	task := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) % len(p.ring)
	p.size--
	return task
}

// run is the main loop for a worker goroutine
func (p *WorkerPool) run() {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		p.mu.Lock()
		for p.size == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		task := p.pop()
		p.mu.Unlock()

		task.Process()
		p.stats.tasksCompleted.Add(1)
	}
}

// Len returns the number of queued tasks.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Cap returns the queue capacity.
func (p *WorkerPool) Cap() int {
	return len(p.ring)
}

// Close stops the pool. Workers finish the task they are running and exit;
// queued tasks that were never started are returned to the caller.
// Close is idempotent; later calls return nil.
func (p *WorkerPool) Close() []Task {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	pending := make([]Task, 0, p.size)
	for p.size > 0 {
		pending = append(pending, p.pop())
	}
	p.mu.Unlock()

	p.cond.Broadcast()
	return pending
}

// Wait blocks until every worker has exited. Call after Close.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		Capacity:       len(p.ring),
		Queued:         p.Len(),
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksRejected:  p.stats.tasksRejected.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int
	Capacity       int
	Queued         int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksRejected  uint64
}
