package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/pkg/models"
)

// Config tunes the gateway's queueing and retry behavior.
type Config struct {
	// Concurrency is the worker-pool size per provider. Default 4.
	Concurrency int

	// QueueDepth bounds the per-provider FIFO. Default 64.
	QueueDepth int

	// MaxRetries bounds retries of transient failures. Default 3.
	MaxRetries int

	// RetryBackoff is the initial backoff. Default 500ms, doubling per
	// attempt.
	RetryBackoff time.Duration

	// CallTimeout bounds a single provider call. Default 120s.
	CallTimeout time.Duration

	// RequestsPerSecond rate-limits each provider. Zero means
	// unlimited.
	RequestsPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	return c
}

type job struct {
	ctx  context.Context
	req  *Request
	done chan jobResult
}

type jobResult struct {
	parsed *ParsedResponse
	usage  *Response
	err    error
}

type providerQueue struct {
	provider Provider
	jobs     chan *job
	limiter  *rate.Limiter
}

// Gateway is the single logical per-provider FIFO with bounded
// concurrency. Callers enqueue and await completion; cancellation of
// the caller's context aborts queued and in-flight work.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	queues map[string]*providerQueue
	wg     sync.WaitGroup
	closed bool
}

// NewGateway creates a gateway. Metrics may be nil.
func NewGateway(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "llm"),
		metrics: metrics,
		queues:  make(map[string]*providerQueue),
	}
}

// RegisterProvider adds a provider and starts its worker pool.
func (g *Gateway) RegisterProvider(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if _, ok := g.queues[p.Name()]; ok {
		return
	}
	limit := rate.Inf
	if g.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(g.cfg.RequestsPerSecond)
	}
	q := &providerQueue{
		provider: p,
		jobs:     make(chan *job, g.cfg.QueueDepth),
		limiter:  rate.NewLimiter(limit, 1),
	}
	g.queues[p.Name()] = q
	for i := 0; i < g.cfg.Concurrency; i++ {
		g.wg.Add(1)
		go g.worker(q)
	}
}

// Close drains the worker pools. Pending jobs fail with Cancelled.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, q := range g.queues {
		close(q.jobs)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// Complete enqueues one request for the named provider and blocks until
// the parsed response, a terminal failure, or caller cancellation.
func (g *Gateway) Complete(ctx context.Context, provider string, req *Request) (*ParsedResponse, error) {
	g.mu.RLock()
	q, ok := g.queues[provider]
	closed := g.closed
	g.mu.RUnlock()
	if !ok || closed {
		return nil, &Error{Kind: models.KindProviderUnavailable, Provider: provider, Cause: ErrProviderNotFound}
	}

	j := &job{ctx: ctx, req: req, done: make(chan jobResult, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return nil, &Error{Kind: models.KindCancelled, Provider: provider, Cause: ctx.Err()}
	}

	select {
	case res := <-j.done:
		return res.parsed, res.err
	case <-ctx.Done():
		// The worker observes the same context and abandons the call.
		return nil, &Error{Kind: models.KindCancelled, Provider: provider, Cause: ctx.Err()}
	}
}

func (g *Gateway) worker(q *providerQueue) {
	defer g.wg.Done()
	for j := range q.jobs {
		j.done <- g.run(q, j)
	}
}

func (g *Gateway) run(q *providerQueue, j *job) jobResult {
	name := q.provider.Name()
	if err := j.ctx.Err(); err != nil {
		return jobResult{err: &Error{Kind: models.KindCancelled, Provider: name, Cause: err}}
	}
	if err := q.limiter.Wait(j.ctx); err != nil {
		return jobResult{err: &Error{Kind: models.KindCancelled, Provider: name, Cause: err}}
	}

	backoff := g.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(j.ctx, g.cfg.CallTimeout)
		resp, err := q.provider.Complete(callCtx, j.req)
		cancel()

		if g.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			g.metrics.LLMRequestCounter.WithLabelValues(name, j.req.Model, status).Inc()
			g.metrics.LLMRequestDuration.WithLabelValues(name, j.req.Model).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			if g.metrics != nil {
				g.metrics.LLMTokensUsed.WithLabelValues(name, j.req.Model, "prompt").Add(float64(resp.InputTokens))
				g.metrics.LLMTokensUsed.WithLabelValues(name, j.req.Model, "completion").Add(float64(resp.OutputTokens))
			}
			return jobResult{parsed: Parse(resp), usage: resp}
		}

		lastErr = err
		if j.ctx.Err() != nil {
			return jobResult{err: &Error{Kind: models.KindCancelled, Provider: name, Cause: j.ctx.Err()}}
		}
		if !IsTransient(err) || attempt >= g.cfg.MaxRetries {
			break
		}
		g.logger.Warn("transient provider failure, retrying",
			"provider", name,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)
		select {
		case <-time.After(backoff):
		case <-j.ctx.Done():
			return jobResult{err: &Error{Kind: models.KindCancelled, Provider: name, Cause: j.ctx.Err()}}
		}
		backoff *= 2
	}

	return jobResult{err: newError(name, lastErr)}
}
