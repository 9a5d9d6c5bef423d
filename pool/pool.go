// Package pool provides the shared bounded worker pool that stage
// executions run on, together with a monitor that resizes it from
// sampled system load.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
)

var log = logging.Logger("pool")

var (
	// ErrQueueFull is returned by Submit in reject mode when the work
	// queue has no room.
	ErrQueueFull = errors.New("pool: work queue full")

	// ErrPoolClosed is returned by Submit after Close started.
	ErrPoolClosed = errors.New("pool: closed")
)

// SubmitMode selects the backpressure behavior of a full queue.
type SubmitMode int

const (
	// ModeBlock makes Submit wait for queue room or caller cancellation.
	ModeBlock SubmitMode = iota
	// ModeReject makes Submit fail fast with ErrQueueFull.
	ModeReject
)

func (m SubmitMode) String() string {
	switch m {
	case ModeBlock:
		return "block"
	case ModeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseSubmitMode converts the configuration spelling of a submit mode.
func ParseSubmitMode(s string) (SubmitMode, error) {
	switch s {
	case "block":
		return ModeBlock, nil
	case "reject":
		return ModeReject, nil
	default:
		return ModeBlock, fmt.Errorf("pool: unknown submit mode %q", s)
	}
}

// Task is one unit of work. The context is the pool's run context and is
// cancelled when the pool shuts down.
type Task func(ctx context.Context)

// Config configures a Pool.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int
	Mode          SubmitMode
}

// DefaultConfig returns a small general-purpose pool configuration.
func DefaultConfig() Config {
	return Config{
		MinWorkers:    2,
		MaxWorkers:    8,
		QueueCapacity: 64,
		Mode:          ModeBlock,
	}
}

func (c Config) validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("pool: minWorkers must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("pool: maxWorkers %d below minWorkers %d", c.MaxWorkers, c.MinWorkers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("pool: queueCapacity must be at least 1, got %d", c.QueueCapacity)
	}
	return nil
}

// Pool runs tasks on a resizable set of worker goroutines fed from a
// bounded queue. The worker count stays within [MinWorkers, MaxWorkers];
// scale-down retires workers cooperatively after they finish their
// current task.
type Pool struct {
	min int32
	max int32

	workers int32 // current number of workers (atomic)
	active  int32 // workers currently running a task (atomic)

	submitted int64 // total tasks accepted (atomic)
	completed int64 // total tasks finished (atomic)
	rejected  int64 // total tasks refused at submission (atomic)

	queue  chan Task
	retire chan struct{}
	mode   SubmitMode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed int32 // atomic flag, no new submissions once set

	resizeMu     sync.Mutex
	lastResizeAt time.Time

	workersGauge     metrics.Gauge
	queueGauge       metrics.Gauge
	completedCounter metrics.Counter
	rejectedCounter  metrics.Counter
}

// New builds and starts a pool with MinWorkers workers.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		min:    int32(cfg.MinWorkers),
		max:    int32(cfg.MaxWorkers),
		queue:  make(chan Task, cfg.QueueCapacity),
		retire: make(chan struct{}, cfg.MaxWorkers),
		mode:   cfg.Mode,
		ctx:    runCtx,
		cancel: cancel,
	}
	p.setupMetrics(ctx)

	for i := 0; i < cfg.MinWorkers; i++ {
		p.startWorker()
	}

	log.Infof("worker pool started with %d workers (max %d, queue %d, %s mode)",
		cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueCapacity, cfg.Mode)
	return p, nil
}

func (p *Pool) setupMetrics(ctx context.Context) {
	p.workersGauge = metrics.NewCtx(ctx, "pool.workers",
		"Current number of pool workers").Gauge()
	p.queueGauge = metrics.NewCtx(ctx, "pool.queue_depth",
		"Number of tasks waiting in the pool queue").Gauge()
	p.completedCounter = metrics.NewCtx(ctx, "pool.tasks_completed_total",
		"Total number of tasks the pool finished").Counter()
	p.rejectedCounter = metrics.NewCtx(ctx, "pool.tasks_rejected_total",
		"Total number of tasks refused at submission").Counter()
}

// Submit queues a task. In block mode it waits for room until the caller's
// context is cancelled; in reject mode a full queue fails with ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("pool: nil task")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrPoolClosed
	}

	if p.mode == ModeReject {
		select {
		case p.queue <- task:
		case <-p.ctx.Done():
			return ErrPoolClosed
		default:
			atomic.AddInt64(&p.rejected, 1)
			p.rejectedCounter.Inc()
			return ErrQueueFull
		}
		p.accepted()
		return nil
	}

	select {
	case p.queue <- task:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

func (p *Pool) accepted() {
	atomic.AddInt64(&p.submitted, 1)
	p.queueGauge.Set(float64(len(p.queue)))
}

// Do submits the task and waits until it finished, or until the caller's
// context is cancelled. On cancellation the task keeps running on the pool
// but its effect is abandoned by the caller.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	err := p.Submit(ctx, func(c context.Context) {
		defer close(done)
		fn(c)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) startWorker() {
	atomic.AddInt32(&p.workers, 1)
	p.workersGauge.Set(float64(atomic.LoadInt32(&p.workers)))
	p.wg.Add(1)
	go func() {
		defer func() {
			atomic.AddInt32(&p.workers, -1)
			p.workersGauge.Set(float64(atomic.LoadInt32(&p.workers)))
			p.wg.Done()
		}()

		for {
			// Retirement has priority over new work so scale-down takes
			// effect promptly on a busy queue.
			select {
			case <-p.retire:
				return
			default:
			}

			select {
			case <-p.ctx.Done():
				return
			case <-p.retire:
				return
			case task := <-p.queue:
				if task == nil {
					continue
				}
				p.runTask(task)
			}
		}
	}()
}

func (p *Pool) runTask(task Task) {
	atomic.AddInt32(&p.active, 1)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic recovered: %v", r)
		}
		atomic.AddInt32(&p.active, -1)
		atomic.AddInt64(&p.completed, 1)
		p.completedCounter.Inc()
		p.queueGauge.Set(float64(len(p.queue)))
	}()
	task(p.ctx)
}

// Resize sets the worker count to target, clamped to [min, max], and
// returns the applied value. Shrinking retires workers cooperatively;
// they finish their current task first.
func (p *Pool) Resize(target int) int {
	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	clamped := target
	if clamped < int(atomic.LoadInt32(&p.min)) {
		clamped = int(atomic.LoadInt32(&p.min))
	}
	if clamped > int(atomic.LoadInt32(&p.max)) {
		clamped = int(atomic.LoadInt32(&p.max))
	}

	current := int(atomic.LoadInt32(&p.workers))
	switch {
	case clamped > current:
		for i := 0; i < clamped-current; i++ {
			p.startWorker()
		}
		log.Infof("worker pool scaled up from %d to %d workers", current, clamped)
	case clamped < current:
		for i := 0; i < current-clamped; i++ {
			select {
			case p.retire <- struct{}{}:
			default:
				// Retire queue saturated from a previous shrink still in
				// progress; the outstanding tokens already cover it.
			}
		}
		log.Infof("worker pool scaling down from %d to %d workers", current, clamped)
	}
	p.lastResizeAt = time.Now()
	return clamped
}

// SetBounds replaces the worker bounds and clamps the current worker
// count into them. Used when configuration is reloaded at runtime.
func (p *Pool) SetBounds(min, max int) error {
	if min < 1 || max < min {
		return fmt.Errorf("pool: invalid bounds [%d, %d]", min, max)
	}
	atomic.StoreInt32(&p.min, int32(min))
	atomic.StoreInt32(&p.max, int32(max))
	p.Resize(int(atomic.LoadInt32(&p.workers)))
	return nil
}

// Bounds returns the configured worker bounds.
func (p *Pool) Bounds() (min, max int) {
	return int(atomic.LoadInt32(&p.min)), int(atomic.LoadInt32(&p.max))
}

// LastResize returns when the worker count last changed.
func (p *Pool) LastResize() time.Time {
	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()
	return p.lastResizeAt
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers       int   // current number of workers
	ActiveWorkers int   // workers running a task right now
	QueuedTasks   int   // tasks waiting in the queue
	QueueCapacity int   // queue capacity
	Submitted     int64 // total tasks accepted
	Completed     int64 // total tasks finished
	Rejected      int64 // total tasks refused at submission
	MinWorkers    int
	MaxWorkers    int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       int(atomic.LoadInt32(&p.workers)),
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueuedTasks:   len(p.queue),
		QueueCapacity: cap(p.queue),
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Rejected:      atomic.LoadInt64(&p.rejected),
		MinWorkers:    int(atomic.LoadInt32(&p.min)),
		MaxWorkers:    int(atomic.LoadInt32(&p.max)),
	}
}

// BacklogRatio reports how full the work queue is, 0 to 1.
func (p *Pool) BacklogRatio() float64 {
	return float64(len(p.queue)) / float64(cap(p.queue))
}

// Close stops accepting work, lets the workers drain the queue until the
// context expires, then stops them. Tasks still queued when the grace
// period runs out are dropped.
func (p *Pool) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	log.Info("worker pool shutting down")

	drainErr := p.drain(ctx)
	p.cancel()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := p.Stats()
	if dropped := len(p.queue); dropped > 0 {
		log.Warnf("worker pool dropped %d queued tasks at shutdown", dropped)
	}
	log.Infof("worker pool shutdown complete: submitted=%d completed=%d rejected=%d",
		stats.Submitted, stats.Completed, stats.Rejected)
	if drainErr != nil {
		return drainErr
	}
	return nil
}

func (p *Pool) drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(p.queue) == 0 && atomic.LoadInt32(&p.active) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
