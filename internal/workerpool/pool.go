// Package workerpool implements the bounded worker-thread pool of spec
// §4.2: a fixed maximum of n goroutines draining a pluggable task queue,
// used as the serialization point for shard writes and persistence (spec
// §5: "one WorkerPool (size 1 by default, configurable) used as a
// serialization point for writes and persistence").
package workerpool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Task is a unit of work submitted to a Pool: a function plus the
// arguments it closes over are the caller's concern; Task is already the
// fully-bound closure, matching how torua's handlers close over request
// state before calling a background helper.
type Task func()

// Queue is the pluggable queue policy a Pool drains. The default is FIFO
// (NewFIFOQueue); callers needing priority or LIFO ordering supply their
// own implementation.
type Queue interface {
	Push(t Task)
	Pop() (Task, bool)
	Len() int
}

// fifoQueue is a slice-backed FIFO Queue.
type fifoQueue struct {
	items []Task
}

// NewFIFOQueue returns the default first-in-first-out Queue.
func NewFIFOQueue() Queue { return &fifoQueue{} }

func (q *fifoQueue) Push(t Task) { q.items = append(q.items, t) }

func (q *fifoQueue) Pop() (Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *fifoQueue) Len() int { return len(q.items) }

// Pool is a bounded pool of n worker goroutines draining a shared Queue.
// A new worker is spawned lazily whenever the queue is non-empty and
// fewer than n workers currently exist and no idle worker is available to
// pick the task up (spec §4.2).
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       Queue
	n           int
	workers     int
	idle        int
	releasing   bool
	wg          sync.WaitGroup
	log         *zap.SugaredLogger
	tasksQueued prometheus.Counter
	tasksDone   prometheus.Counter
	tasksFailed prometheus.Counter
	queueDepth  prometheus.Gauge
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithQueue overrides the default FIFO queue.
func WithQueue(q Queue) Option {
	return func(p *Pool) { p.queue = q }
}

// WithLogger attaches a logger used to report swallowed task errors.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMetrics registers Prometheus counters/gauge on reg for this pool's
// queue depth and task outcomes, namespaced by name.
func WithMetrics(reg prometheus.Registerer, name string) Option {
	return func(p *Pool) {
		p.tasksQueued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workerpool_" + name + "_tasks_queued_total",
			Help: "Tasks submitted to the " + name + " worker pool.",
		})
		p.tasksDone = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workerpool_" + name + "_tasks_done_total",
			Help: "Tasks completed without panicking in the " + name + " worker pool.",
		})
		p.tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workerpool_" + name + "_tasks_failed_total",
			Help: "Tasks that panicked in the " + name + " worker pool.",
		})
		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workerpool_" + name + "_queue_depth",
			Help: "Current queue depth of the " + name + " worker pool.",
		})
		if reg != nil {
			reg.MustRegister(p.tasksQueued, p.tasksDone, p.tasksFailed, p.queueDepth)
		}
	}
}

// New creates a Pool bounded at n workers (n must be >= 1).
func New(n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{n: n, queue: NewFIFOQueue(), log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(p)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit enqueues fn for execution, spawning a new worker if the queue
// has grown beyond the number of currently-idle workers and the pool
// hasn't reached its cap. Submit after Release is a no-op.
func (p *Pool) Submit(fn Task) {
	p.mu.Lock()
	if p.releasing {
		p.mu.Unlock()
		return
	}
	p.queue.Push(fn)
	if p.tasksQueued != nil {
		p.tasksQueued.Inc()
	}
	if p.queueDepth != nil {
		p.queueDepth.Set(float64(p.queue.Len()))
	}
	needWorker := p.queue.Len() > p.idle && p.workers < p.n
	if needWorker {
		p.workers++
	}
	p.cond.Signal()
	p.mu.Unlock()

	if needWorker {
		p.wg.Add(1)
		go p.runWorker()
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.releasing {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		task, ok := p.queue.Pop()
		if p.queueDepth != nil {
			p.queueDepth.Set(float64(p.queue.Len()))
		}
		if !ok {
			p.workers--
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.runTask(task)
	}
}

// runTask executes task, recovering panics and logging them so a failing
// task never kills its worker (spec §4.2, §7: "errors inside a WorkerPool
// task are logged and swallowed").
func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.tasksFailed != nil {
				p.tasksFailed.Inc()
			}
			p.log.Errorw("worker pool task panicked", "panic", r)
			return
		}
		if p.tasksDone != nil {
			p.tasksDone.Inc()
		}
	}()
	task()
}

// Release asks all workers to drain the remaining queue and exit; no new
// tasks are accepted after Release returns (Submit becomes a no-op).
func (p *Pool) Release() {
	p.mu.Lock()
	p.releasing = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Join blocks until every worker has drained the queue and exited. Callers
// typically call Release then Join; an automatic Join should be arranged
// by the owning process at shutdown (e.g. via a deferred call in main).
func (p *Pool) Join() {
	p.wg.Wait()
}
