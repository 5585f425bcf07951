package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/sluice/docstate"
	"github.com/teranos/sluice/errors"
	"github.com/teranos/sluice/sym"
)

// workerLogger wraps zap.SugaredLogger with lifecycle helpers so opening and
// closing events stand out in the console encoder.
type workerLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event at DEBUG.
func (l workerLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.Open+" "+msg, keysAndValues...)
}

// Closing logs a closing event at WARN.
func (l workerLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.Close+" "+msg, keysAndValues...)
}

// Config sizes the worker pools and bounds task execution.
type Config struct {
	Workers             map[Kind]int  // worker count per task kind
	Retry               RetryPolicy   // transient failure retries
	TaskTimeout         time.Duration // bound on one connector call; 0 disables
	CommitRetryInterval time.Duration // pause between failed store commits
	StopTimeout         time.Duration // how long Stop waits for in-flight tasks

	// MemoryHighWaterPercent is the host memory usage above which
	// UnderMemoryPressure reports true. 0 disables the check.
	MemoryHighWaterPercent float64
	MemorySampleInterval   time.Duration // how long one memory reading is reused
}

// DefaultConfig returns the pool sizes and timings used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		Workers: map[Kind]int{
			KindSeed:        2,
			KindFetch:       8,
			KindDeleteCheck: 2,
		},
		Retry: RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   time.Minute,
		},
		TaskTimeout:            30 * time.Second,
		CommitRetryInterval:    500 * time.Millisecond,
		StopTimeout:            30 * time.Second,
		MemoryHighWaterPercent: 90,
		MemorySampleInterval:   time.Second,
	}
}

type submission struct {
	task   Task
	future *Future
}

// pool is the worker class for one task kind. slots holds one token per
// task that has been accepted and not yet retired, so Idle never counts a
// queued task as available capacity.
type pool struct {
	kind    Kind
	workers int
	slots   chan struct{}
	queue   chan submission
	active  atomic.Int32
}

func newPool(kind Kind, workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{
		kind:    kind,
		workers: workers,
		slots:   make(chan struct{}, workers),
		queue:   make(chan submission, workers),
	}
}

// Coordinator executes tasks on bounded per-kind worker pools and commits
// every terminal outcome to the document store before retiring the task.
type Coordinator struct {
	cfg    Config
	store  *docstate.Store
	sink   Sink
	logger workerLogger
	pools  map[Kind]*pool

	mu      sync.Mutex
	retire  func(Result)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	memMu        sync.Mutex
	readMemory   func() (*mem.VirtualMemoryStat, error)
	memSample    *mem.VirtualMemoryStat
	memSampledAt time.Time
}

// New creates a coordinator. A nil sink logs deliveries.
func New(store *docstate.Store, sink Sink, cfg Config, logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if sink == nil {
		sink = LogSink{Logger: logger.Named("sink")}
	}
	if cfg.CommitRetryInterval <= 0 {
		cfg.CommitRetryInterval = DefaultConfig().CommitRetryInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	if cfg.MemorySampleInterval <= 0 {
		cfg.MemorySampleInterval = DefaultConfig().MemorySampleInterval
	}
	pools := make(map[Kind]*pool, len(Kinds))
	for _, kind := range Kinds {
		pools[kind] = newPool(kind, cfg.Workers[kind])
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		sink:       sink,
		logger:     workerLogger{logger.Named("coordinator")},
		pools:      pools,
		readMemory: mem.VirtualMemory,
	}
}

// SetRetireHook registers fn to receive every retired result after its
// future resolves. It must be set before Start.
func (c *Coordinator) SetRetireHook(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retire = fn
}

// Start launches the workers. Tasks run under ctx; cancelling it stops
// the workers the same way Stop does.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	if warning := c.checkMemoryPressure(); warning != "" {
		c.logger.Warnw("Memory pressure warning", "warning", warning)
	}

	for _, kind := range Kinds {
		p := c.pools[kind]
		c.logger.Starting("Starting workers", "task_kind", kind, "workers", p.workers)
		for i := 0; i < p.workers; i++ {
			c.wg.Add(1)
			go c.worker(c.ctx, p, i)
		}
	}
}

// Stop cancels the workers and waits up to StopTimeout for in-flight tasks
// to release their records. Tasks still queued resolve as Discarded.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Infow(sym.Close + " Coordinator stopped, all workers exited")
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Closing("Coordinator stop timed out, workers may still be releasing records", "timeout", c.cfg.StopTimeout)
		return
	}

	for _, p := range c.pools {
		c.drain(p)
	}
}

func (c *Coordinator) drain(p *pool) {
	for {
		select {
		case s := <-p.queue:
			<-p.slots
			c.finish(s, Outcome{Kind: Discarded, Reason: "coordinator stopped"})
		default:
			return
		}
	}
}

// Idle returns how many more tasks of kind can be accepted without waiting.
func (c *Coordinator) Idle(kind Kind) int {
	p, ok := c.pools[kind]
	if !ok {
		return 0
	}
	return cap(p.slots) - len(p.slots)
}

// Workers returns the configured worker count for kind.
func (c *Coordinator) Workers(kind Kind) int {
	if p, ok := c.pools[kind]; ok {
		return p.workers
	}
	return 0
}

// TrySubmit hands t to an idle worker. It returns false without blocking
// when every worker of the task's kind is busy.
func (c *Coordinator) TrySubmit(t Task) (*Future, bool) {
	p, ok := c.pools[t.Kind]
	if !ok {
		return nil, false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return nil, false
	}
	return c.enqueue(p, t), true
}

// Submit hands t to a worker, waiting for one to become idle.
func (c *Coordinator) Submit(ctx context.Context, t Task) (*Future, error) {
	p, ok := c.pools[t.Kind]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown task kind %q", t.Kind)
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.enqueue(p, t), nil
}

func (c *Coordinator) enqueue(p *pool, t Task) *Future {
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	s := submission{task: t, future: newFuture()}
	// queue has one buffer slot per token, so this never blocks
	p.queue <- s
	return s.future
}

func (c *Coordinator) worker(ctx context.Context, p *pool, id int) {
	defer c.wg.Done()
	log := c.logger.With("task_kind", p.kind, "worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.queue:
			p.active.Add(1)
			outcome := c.execute(ctx, s.task)
			p.active.Add(-1)
			<-p.slots

			log.Debugw("Task retired",
				"job_id", s.task.JobID,
				"doc_id", s.task.DocID,
				"task_seq", s.task.Seq,
				"attempt", s.task.Attempt,
				"outcome", outcome.Kind.String())
			c.finish(s, outcome)
		}
	}
}

func (c *Coordinator) finish(s submission, o Outcome) {
	s.future.resolve(o)
	c.mu.Lock()
	hook := c.retire
	c.mu.Unlock()
	if hook != nil {
		hook(Result{Task: s.task, Outcome: o})
	}
}
