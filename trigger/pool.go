package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/nodeflow/runtime"
)

// Pool errors.
var (
	ErrQueueFull  = errors.New("trigger queue is full")
	ErrPoolClosed = errors.New("trigger pool is closed")
)

const (
	defaultPoolWorkers   = 4
	defaultPoolQueueSize = 64
)

// Runner executes a triggered workflow. *runtime.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req runtime.TriggerRequest) (*runtime.RunResult, error)
}

// ResultFunc observes every finished run. result is nil when the run never
// started (for example, the workflow could not be loaded).
type ResultFunc func(e Event, result *runtime.RunResult, err error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Runner    Runner
	Workers   int
	QueueSize int
	OnResult  ResultFunc
	Logger    *slog.Logger
}

// Pool runs trigger events on a fixed set of workers fed by a bounded queue.
type Pool struct {
	runner   Runner
	onResult ResultFunc
	logger   *slog.Logger

	queue chan Event

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts the workers and returns a ready pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Runner == nil {
		return nil, errors.New("trigger pool runner is nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPoolWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultPoolQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:   cfg.Runner,
		onResult: cfg.OnResult,
		logger:   cfg.Logger,
		queue:    make(chan Event, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for range cfg.Workers {
		p.wg.Add(1)
		go p.work()
	}
	return p, nil
}

// Dispatch queues e without blocking. A missing run ID is assigned here so
// it is stable from acceptance onwards.
func (p *Pool) Dispatch(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Data.RunID == "" {
		e.Data.RunID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting events and waits for queued and running events to
// finish. When ctx ends first, in-flight runs are canceled and ctx.Err is
// returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for e := range p.queue {
		p.run(e)
	}
}

func (p *Pool) run(e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("trigger run panicked",
				"workflow_id", e.Data.WorkflowID,
				"run_id", e.Data.RunID,
				"panic", r,
			)
		}
	}()

	result, err := p.runner.Run(p.ctx, e.Request())
	if err != nil {
		p.logger.Error("triggered workflow failed",
			"workflow_id", e.Data.WorkflowID,
			"user_id", e.Data.UserID,
			"run_id", e.Data.RunID,
			"error", err,
		)
	}
	if p.onResult != nil {
		p.onResult(e, result, err)
	}
}

var _ Dispatcher = (*Pool)(nil)
