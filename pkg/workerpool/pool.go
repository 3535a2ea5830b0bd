// Package workerpool is a bounded pool with per-task retry. The event
// monitor fans fulfillment events out over it so one slow handler does
// not stall the consumer and goroutine growth stays capped.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the task queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolClosed is returned by Submit after Stop has begun.
var ErrPoolClosed = errors.New("pool is shutting down")

// Task is one unit of work. Context, when set, bounds every attempt
// including retry backoff.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// Result is the terminal outcome of a task after retries.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one attempt of one task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool and its retry policy.
type Config struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	// RetryDelay is the base backoff, scaled linearly per attempt.
	RetryDelay time.Duration
	// StopTimeout bounds how long Stop waits for in-flight tasks.
	StopTimeout time.Duration
}

// DefaultConfig suits the event monitor's fanout.
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		QueueSize:   1024,
		MaxRetries:  3,
		RetryDelay:  100 * time.Millisecond,
		StopTimeout: 30 * time.Second,
	}
}

// Pool runs a fixed set of workers over a bounded queue.
type Pool struct {
	cfg    Config
	run    WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	closing   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	depth     atomic.Int64
}

// New builds a pool; call Start to launch the workers.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		run:     fn,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for task := range p.tasks {
				p.depth.Add(-1)
				p.attempt(id, task)
			}
		}(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a task without blocking. A full queue is the caller's
// signal to apply backpressure upstream.
func (p *Pool) Submit(task *Task) error {
	if p.closing.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results exposes terminal task outcomes. Reading it is optional; when
// nobody drains it, outcomes are dropped rather than blocking workers.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop rejects new submissions, drains queued tasks, and waits for
// in-flight ones up to StopTimeout before aborting stragglers.
func (p *Pool) Stop() error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(p.tasks)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("worker pool stop timed out",
			zap.Int64("queue_depth", p.depth.Load()))
	}
	p.cancel()
	close(p.results)
	return nil
}

// attempt runs one task through the retry policy and records its
// terminal result.
func (p *Pool) attempt(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var res *Result
	for try := 0; ; try++ {
		if err := ctx.Err(); err != nil {
			res = &Result{TaskID: task.ID, Error: err}
			break
		}

		res = p.run(ctx, task)
		if res.Success || try >= p.cfg.MaxRetries {
			if !res.Success {
				res.Error = fmt.Errorf("gave up after %d attempts: %w", try+1, res.Error)
			}
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", try+1),
			zap.Error(res.Error))

		select {
		case <-ctx.Done():
			res = &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.cfg.RetryDelay * time.Duration(try+1)):
			continue
		}
		break
	}

	if res.Success {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(res.Error))
	}

	select {
	case p.results <- res:
	default:
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		QueueDepth:     p.depth.Load(),
		QueueCapacity:  p.cfg.QueueSize,
		Workers:        p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue has headroom.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
