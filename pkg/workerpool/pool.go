// Package workerpool provides a bounded worker pool used to shard per-person
// derivation work. Each person's events are processed by exactly one job, so
// per-person ordering holds without cross-worker coordination.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work, typically one person's derivation.
type Job struct {
	ID       string
	PersonID int64
	Payload  interface{}
}

// Result is the outcome of a processed job.
type Result struct {
	JobID    string
	PersonID int64
	Count    int
	Err      error
}

// JobFunc processes a single job.
type JobFunc func(ctx context.Context, job *Job) *Result

// Config holds pool tunables.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the job queue.
	QueueSize int
	// MaxRetries is how many times a failed job is re-attempted.
	MaxRetries int
	// RetryDelay is the base delay between attempts, scaled linearly.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for batch derivation runs.
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       4096,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs jobs across a fixed set of workers.
type Pool struct {
	config  Config
	jobFunc JobFunc
	logger  *zap.Logger

	jobs    chan *Job
	results chan *Result
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
}

// New creates a worker pool.
func New(cfg Config, fn JobFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("job function is required")
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
		config:  cfg,
		jobFunc: fn,
		logger:  logger,
		jobs:    make(chan *Job, cfg.QueueSize),
		results: make(chan *Result, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job. It fails when the pool is stopping or the queue is
// full; callers decide whether to back off or abort the run.
func (p *Pool) Submit(job *Job) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Results exposes the result stream. The channel closes after Stop.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop drains in-flight jobs and shuts down the workers.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	close(p.results)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		result := p.runJob(job)
		if result.Err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.Int64("person_id", job.PersonID),
				zap.Int("worker_id", id),
				zap.Error(result.Err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}

		select {
		case p.results <- result:
		default:
			p.logger.Warn("result channel full, dropping result",
				zap.String("job_id", job.ID))
		}
	}
}

func (p *Pool) runJob(job *Job) *Result {
	var result *Result
	for attempt := 0; ; attempt++ {
		select {
		case <-p.ctx.Done():
			return &Result{JobID: job.ID, PersonID: job.PersonID, Err: p.ctx.Err()}
		default:
		}

		result = p.jobFunc(p.ctx, job)
		if result.Err == nil || attempt >= p.config.MaxRetries {
			return result
		}

		select {
		case <-p.ctx.Done():
			return &Result{JobID: job.ID, PersonID: job.PersonID, Err: p.ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats holds pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
