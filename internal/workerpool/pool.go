// Package workerpool implements the fixed-size worker pool spec.md §4.2
// describes: a bounded number of goroutines draining a shared waiting queue,
// with admission control and drain-or-drop shutdown semantics. Grounded on
// the teacher's (JeelKantaria-db-bouncer) mutex+sync.Cond idiom, generalized
// from a per-tenant connection pool into a generic task pool.
package workerpool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/reactorcore/reactorcore/internal/queue"
)

// MaxWorkers is the hard cap on thread_num, preserved from the source
// implementation spec.md references (it used 9); a production deployment
// would size this from core count, but the cap itself is part of the
// contract being reimplemented here.
const MaxWorkers = 9

// ErrNotRunning is returned by AddTask when the pool hasn't been started
// (or has already been torn down).
var ErrNotRunning = errors.New("workerpool: not running")

// pollInterval is how often an idle worker re-checks the waiting queue for
// a task, matching spec.md's "timed_pop(1s)" worker loop.
const pollInterval = time.Second

// Task is a unit of work submitted to the pool. ID < 0 means its completion
// is never reported on the finished-task queue (spec.md §3's "Task" entity).
type Task struct {
	Fn func()
	ID int
}

// Config configures a Pool.
type Config struct {
	// ThreadNum is the number of worker goroutines. Clamped to [1, MaxWorkers].
	ThreadNum int
	// Overload, when true, disables admission control: AddTask always
	// enqueues. When false, AddTask rejects once waiting+in-flight reaches
	// ThreadNum.
	Overload bool
	// QueueCapacity bounds the waiting queue. 0 means unbounded, which is
	// the only sane setting when Overload is false (the pool itself already
	// bounds admitted work); a bounded queue only makes sense paired with
	// Overload=true, to cap how far ahead of capacity producers can get.
	QueueCapacity int
	// ReportCompletions opts into publishing task IDs (>= 0) on the
	// finished-task queue. spec.md §9 notes the source never consumes this
	// queue; off by default so nobody pays for an unused channel.
	ReportCompletions bool
}

// Pool is a fixed-size set of worker goroutines draining a shared task
// queue. Workers: Fresh -> Running -> (Draining, if requested) -> Joined.
type Pool struct {
	cfg Config

	mu         sync.Mutex
	running    bool
	waitFinish bool

	waiting  *queue.Queue[Task]
	finished *queue.Queue[int]

	inFlightMu sync.Mutex
	inFlight   int

	wg sync.WaitGroup
}

// New creates a Pool. Call Start to spawn workers.
func New(cfg Config) *Pool {
	if cfg.ThreadNum <= 0 {
		cfg.ThreadNum = 1
	}
	if cfg.ThreadNum > MaxWorkers {
		cfg.ThreadNum = MaxWorkers
	}
	return &Pool{
		cfg:      cfg,
		waiting:  queue.New[Task](cfg.QueueCapacity),
		finished: queue.New[int](0),
	}
}

// Start spawns ThreadNum workers. Idempotent: calling Start twice on an
// already-running pool is a no-op, matching spec.md's "idempotent failure if
// already running" choice.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.cfg.ThreadNum; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	slog.Info("workerpool started", "workers", p.cfg.ThreadNum, "overload", p.cfg.Overload)
}

// AddTask submits a task for execution. It fails with ErrNotRunning if the
// pool isn't running, and returns false (the admission-control path) if
// Overload is false and the pool is already at capacity.
func (p *Pool) AddTask(fn func(), id int) (bool, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return false, ErrNotRunning
	}

	if !p.cfg.Overload {
		p.inFlightMu.Lock()
		inFlight := p.inFlight
		p.inFlightMu.Unlock()
		if inFlight+p.waiting.Size() >= p.cfg.ThreadNum {
			return false, nil
		}
	}

	p.waiting.Push(Task{Fn: fn, ID: id})
	return true, nil
}

// GetFinishedTaskID non-blockingly returns the oldest completed task ID, if
// ReportCompletions is enabled and any are pending.
func (p *Pool) GetFinishedTaskID() (int, bool) {
	if !p.cfg.ReportCompletions {
		return 0, false
	}
	return p.finished.TimedPop(0)
}

// Waiting returns the number of tasks queued but not yet picked up.
func (p *Pool) Waiting() int { return p.waiting.Size() }

// InFlight returns the number of tasks currently executing.
func (p *Pool) InFlight() int {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	return p.inFlight
}

// Terminate stops the pool. If waitFinish is true, every worker keeps
// draining the waiting queue until it's empty before exiting (drain); if
// false, workers stop as soon as their current task (if any) completes,
// leaving anything still queued undone (drop). Blocks until every worker has
// joined.
func (p *Pool) Terminate(waitFinish bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.waitFinish = waitFinish
	p.mu.Unlock()

	p.wg.Wait()

	p.waiting.Clear()
	p.finished.Clear()
}

// shouldKeepWorking reports whether a worker should keep polling the waiting
// queue: either the pool is still running, or it's draining and there's
// still work left to drain.
func (p *Pool) shouldKeepWorking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running || (p.waitFinish && !p.waiting.Empty())
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()

	for p.shouldKeepWorking() {
		task, ok := p.waiting.TimedPop(pollInterval)
		if !ok {
			continue
		}

		p.inFlightMu.Lock()
		p.inFlight++
		p.inFlightMu.Unlock()

		p.runTask(task)

		p.inFlightMu.Lock()
		p.inFlight--
		p.inFlightMu.Unlock()

		if task.ID >= 0 && p.cfg.ReportCompletions {
			p.finished.Push(task.ID)
		}
	}
}

// runTask executes a task with a recover guard: a panicking handler must not
// kill the worker (spec.md §4.2 "Failure semantics" — the source doesn't do
// this, spec.md §9 flags it as a gap this reimplementation closes).
func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workerpool: task panicked", "task_id", task.ID, "recovered", r)
		}
	}()
	task.Fn()
}
