// Package pipeline turns raw scan results into normalized values and
// resolved resources.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Radar/internal/metrics"
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/resolve"
)

// Outcome is the result of processing one raw result.
type Outcome struct {
	Value    model.Value
	Resource model.Resource
	// Created lists the records this call built, and persisted when the
	// pipeline commits.
	Created []model.Resource
	// Duplicate is set when the value was already processed in this run.
	Duplicate bool
}

// WasCreated reports whether the top level resource is new.
func (o Outcome) WasCreated() bool {
	return model.Resolution{Resource: o.Resource, Created: o.Created}.WasCreated()
}

type Option func(*Pipeline)

// WithCommit makes the pipeline persist the records it creates.
func WithCommit(commit bool) Option {
	return func(p *Pipeline) { p.commit = commit }
}

// WithWorkers sets the number of parallel workers of Run.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBuffer sets the queue size of each output stream of Run.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// Pipeline holds the deduplication state of one scan run. It is safe for
// concurrent use.
type Pipeline struct {
	store     model.ResourceStore
	normalize model.NormalizeFunc
	resolve   model.ResolveFunc
	commit    bool
	workers   int
	buffer    int

	mx     sync.Mutex
	seen   map[model.Value]*entry
	values map[model.Value]struct{}

	stats stats
}

// entry is a resolution of a value, done is closed when it finished.
type entry struct {
	done chan struct{}
	res  model.Resolution
	err  error
}

type stats struct {
	processed   atomic.Int64
	duplicates  atomic.Int64
	invalid     atomic.Int64
	storeErrors atomic.Int64
	created     atomic.Int64
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Processed   int64 `json:"processed"`
	Duplicates  int64 `json:"duplicates"`
	Invalid     int64 `json:"invalid"`
	StoreErrors int64 `json:"store_errors"`
	Created     int64 `json:"created"`
}

func New(store model.ResourceStore, normalize model.NormalizeFunc, resolve model.ResolveFunc, opts ...Option) (*Pipeline, error) {
	if normalize == nil || resolve == nil {
		return nil, model.NewConfigurationError("pipeline", "normalize and resolve functions are required")
	}
	if store == nil {
		return nil, model.NewConfigurationError("pipeline", "resource store is required")
	}
	p := &Pipeline{
		store:     store,
		normalize: normalize,
		resolve:   resolve,
		workers:   model.DefaultPipelineWorkers,
		buffer:    model.DefaultPipelineBuffer,
		seen:      make(map[model.Value]*entry),
		values:    make(map[model.Value]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:   p.stats.processed.Load(),
		Duplicates:  p.stats.duplicates.Load(),
		Invalid:     p.stats.invalid.Load(),
		StoreErrors: p.stats.storeErrors.Load(),
		Created:     p.stats.created.Load(),
	}
}

// Process normalizes raw, drops it when the value was seen already and
// resolves it against the store otherwise. A malformed raw result fails with
// a *model.NormalizationError and a store failure with an error matching
// model.ErrStoreUnavailable.
func (p *Pipeline) Process(ctx context.Context, target string, raw model.RawResult) (Outcome, error) {
	v, err := p.Normalize(ctx, target, raw)
	if err != nil {
		return Outcome{}, err
	}
	return p.Resolve(ctx, v)
}

// Normalize coerces raw into a value, failures are counted and logged.
func (p *Pipeline) Normalize(ctx context.Context, target string, raw model.RawResult) (model.Value, error) {
	p.stats.processed.Add(1)
	v, err := p.normalize(raw)
	if err != nil {
		if !errors.Is(err, model.ErrNormalization) {
			err = &model.NormalizationError{Raw: raw, Err: err}
		}
		p.stats.invalid.Add(1)
		metrics.PipelineResults.WithLabelValues(metrics.OutcomeInvalid).Inc()
		slog.WarnContext(ctx, "skipping malformed result", "target", target, "err", err)
		return model.Value{}, err
	}
	return v, nil
}

// Resolve maps v onto a resource unless another call resolved it already.
// Concurrent calls for one value wait for the first. A failed resolution is
// forgotten so that a later duplicate tries again.
func (p *Pipeline) Resolve(ctx context.Context, v model.Value) (Outcome, error) {
	for {
		p.mx.Lock()
		e, ok := p.seen[v]
		if !ok {
			e = &entry{done: make(chan struct{})}
			p.seen[v] = e
			p.mx.Unlock()
			return p.resolveEntry(ctx, v, e)
		}
		p.mx.Unlock()

		select {
		case <-e.done:
		case <-ctx.Done():
			return Outcome{Value: v}, ctx.Err()
		}
		if e.err == nil {
			p.stats.duplicates.Add(1)
			metrics.PipelineResults.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			return Outcome{Value: v, Resource: e.res.Resource, Duplicate: true}, nil
		}
	}
}

func (p *Pipeline) resolveEntry(ctx context.Context, v model.Value, e *entry) (Outcome, error) {
	start := time.Now()
	res, err := p.resolve(ctx, p.store, v)
	if err == nil && p.commit {
		res, err = resolve.Commit(ctx, p.store, res)
	}
	if err != nil {
		status := "error"
		if !errors.Is(err, model.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: resolve %s: %w", model.ErrStoreUnavailable, v, err)
		}
		if ctx.Err() != nil {
			status = "canceled"
		}
		metrics.StoreLookupDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		metrics.PipelineResults.WithLabelValues(metrics.OutcomeStoreError).Inc()
		p.stats.storeErrors.Add(1)

		p.mx.Lock()
		delete(p.seen, v)
		p.mx.Unlock()
		e.err = err
		close(e.done)
		return Outcome{Value: v}, err
	}
	metrics.StoreLookupDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	metrics.PipelineResults.WithLabelValues(metrics.OutcomeResolved).Inc()
	p.stats.created.Add(int64(len(res.Created)))

	e.res = res
	close(e.done)
	return Outcome{Value: v, Resource: res.Resource, Created: res.Created}, nil
}

// markValue reports whether v is new when values are not resolved.
func (p *Pipeline) markValue(v model.Value) bool {
	if !p.firstValue(v) {
		p.stats.duplicates.Add(1)
		metrics.PipelineResults.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return false
	}
	metrics.PipelineResults.WithLabelValues(metrics.OutcomeNormalized).Inc()
	return true
}

// firstValue records v as emitted on the values stream and reports whether
// it was not emitted before.
func (p *Pipeline) firstValue(v model.Value) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if _, ok := p.values[v]; ok {
		return false
	}
	p.values[v] = struct{}{}
	return true
}
