package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// DefaultWorkers is the pool size when configuration does not set one.
const DefaultWorkers = 4

var (
	ErrQueueFull   = errors.New("pipeline queue full")
	ErrPoolStopped = errors.New("pipeline pool stopped")
)

// Job is one queued document run.
type Job struct {
	Doc     document.Document
	Payload []byte
}

// ResultStore persists terminal pipeline results.
type ResultStore interface {
	SaveResult(ctx context.Context, res document.PipelineResult) error
}

// Pool fans documents across a fixed set of engine workers. Submissions
// queue on a bounded channel; a full queue rejects instead of blocking so
// the intake surface can shed load.
type Pool struct {
	engine  *Engine
	store   ResultStore
	observe func(document.PipelineResult)
	size    int
	depth   int
	logger  zerolog.Logger

	jobs chan Job
	wg   sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

type PoolOption func(*Pool)

// WithQueueDepth overrides the submission queue capacity.
func WithQueueDepth(n int) PoolOption {
	return func(p *Pool) { p.depth = n }
}

// WithResultStore persists every terminal result as workers finish.
func WithResultStore(store ResultStore) PoolOption {
	return func(p *Pool) { p.store = store }
}

// WithResultObserver calls fn with every terminal result after persistence.
// Used to feed metrics without coupling the pool to the telemetry provider.
func WithResultObserver(fn func(document.PipelineResult)) PoolOption {
	return func(p *Pool) { p.observe = fn }
}

func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a pool of size workers over the engine.
func NewPool(size int, eng *Engine, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	p := &Pool{
		engine: eng,
		size:   size,
		depth:  size * 4,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.depth < 1 {
		p.depth = 1
	}
	p.jobs = make(chan Job, p.depth)
	return p
}

// Start launches the workers. ctx bounds all processing; canceling it makes
// in-flight runs finish on the cancellation path.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.size).Int("queue_depth", p.depth).Msg("pipeline pool started")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		res := p.engine.Process(ctx, job.Doc, job.Payload)
		p.persist(res)
		if p.observe != nil {
			p.observe(res)
		}
		p.logger.Debug().
			Int("worker", id).
			Stringer("doc_id", job.Doc.ID).
			Str("destination", string(res.Decision.Destination)).
			Msg("worker finished run")
	}
}

// persist saves the terminal result on a fresh context so a shutdown
// cancellation cannot lose it.
func (p *Pool) persist(res document.PipelineResult) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SaveResult(ctx, res); err != nil {
		p.logger.Error().
			Err(err).
			Stringer("doc_id", res.DocumentID).
			Stringer("result_id", res.ID).
			Msg("pipeline result not persisted")
	}
}

// Submit queues one document run. It never blocks: a full queue returns
// ErrQueueFull and a stopped pool ErrPoolStopped.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("pipeline pool stopped")
}

// Queued reports how many submissions are waiting for a worker.
func (p *Pool) Queued() int { return len(p.jobs) }
