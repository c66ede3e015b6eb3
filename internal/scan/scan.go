// Package scan runs scan strategies against targets with bounded
// concurrency, per target deadlines and a retry policy.
package scan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Radar/internal/log"
	"github.com/CZERTAINLY/Radar/internal/metrics"
	"github.com/CZERTAINLY/Radar/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("executor is shut down")

// Result is one item of a job's result stream: either a raw result or the
// terminal error of a target.
type Result struct {
	Target  string
	Raw     model.RawResult
	Attempt int
	Err     error
}

// Executor owns the running jobs. It is safe for concurrent use.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mx   sync.Mutex
	jobs map[uuid.UUID]*Job
	wg   sync.WaitGroup
}

func NewExecutor() *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[uuid.UUID]*Job),
	}
}

// Submit validates cfg and starts dispatching targets right away. Duplicate
// targets are scanned once. Cancelling ctx is a hard stop of the job, use
// Job.Cancel for a cooperative one.
func (e *Executor) Submit(ctx context.Context, targets []string, strategy model.Strategy, def model.Definition, cfg model.ExecutorConfig) (*Job, error) {
	if strategy == nil {
		return nil, model.NewConfigurationError("strategy", "scanner %q: strategy is nil", def.Name)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	uniq := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t == "" {
			return nil, model.NewConfigurationError("targets", "target must not be empty")
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		uniq = append(uniq, t)
	}

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}

	j := newJob(ctx, uniq, strategy, def, cfg)
	stop := context.AfterFunc(e.ctx, j.abort)
	e.jobs[j.id] = j
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		j.dispatch()
		stop()
		e.mx.Lock()
		delete(e.jobs, j.id)
		e.mx.Unlock()
	}()
	return j, nil
}

// Job returns a job which has not finished yet.
func (e *Executor) Job(id uuid.UUID) (*Job, bool) {
	e.mx.Lock()
	defer e.mx.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Shutdown aborts every running job and waits until they are gone or ctx
// expires. In-flight probes see their context cancelled.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mx.Lock()
	e.cancel()
	e.mx.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Job is a submitted scan of a set of targets.
type Job struct {
	id       uuid.UUID
	def      model.Definition
	strategy model.Strategy
	cfg      model.ExecutorConfig
	limiter  *rate.Limiter

	// runCtx is cancelled on hard stop, dispatchCtx on Cancel too
	runCtx         context.Context
	abortRun       context.CancelFunc
	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	cancelled      atomic.Bool

	mx     sync.Mutex
	states []model.ScanJob

	out      chan Result
	done     chan struct{}
	consumed atomic.Bool
}

func newJob(ctx context.Context, targets []string, strategy model.Strategy, def model.Definition, cfg model.ExecutorConfig) *Job {
	j := &Job{
		id:       uuid.New(),
		def:      def,
		strategy: strategy,
		cfg:      cfg,
		states:   make([]model.ScanJob, len(targets)),
		out:      make(chan Result, cfg.MaxConcurrency),
		done:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		j.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	ctx = log.Job(log.Scanner(ctx, def), j.id)
	j.runCtx, j.abortRun = context.WithCancel(ctx)
	j.dispatchCtx, j.cancelDispatch = context.WithCancel(j.runCtx)
	for i, t := range targets {
		j.states[i] = model.ScanJob{
			Target:     t,
			Definition: def,
			Strategy:   strategy,
			State:      model.JobPending,
		}
	}
	return j
}

func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) Definition() model.Definition { return j.def }

// Done is closed once every dispatched target finished and the result
// stream is closed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel stops the job cooperatively: no further target is dispatched and
// no further retry is attempted. Probes in flight finish or time out and
// their results still arrive.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancelDispatch()
}

func (j *Job) abort() {
	j.Cancel()
	j.abortRun()
}

// Targets returns a snapshot of the per target execution records in
// submission order.
func (j *Job) Targets() []model.ScanJob {
	j.mx.Lock()
	defer j.mx.Unlock()
	return slices.Clone(j.states)
}

// Results returns the result stream. Results of different targets come in
// completion order, results of one target in emission order. The stream can
// be consumed once; leaving the loop early aborts the job.
func (j *Job) Results() iter.Seq[Result] {
	return func(yield func(Result) bool) {
		if !j.consumed.CompareAndSwap(false, true) {
			return
		}
		for r := range j.out {
			if !yield(r) {
				j.abort()
				for range j.out {
				}
				return
			}
		}
	}
}

func (j *Job) dispatch() {
	defer close(j.done)
	defer j.abortRun()
	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	ctx := j.runCtx
	slog.DebugContext(ctx, "job started", "targets", len(j.states))

	sem := semaphore.NewWeighted(int64(j.cfg.MaxConcurrency))
	var wg sync.WaitGroup
	for i := range j.states {
		if err := sem.Acquire(j.dispatchCtx, 1); err != nil {
			break
		}
		// Cancel may have won the race with a free slot
		if j.dispatchCtx.Err() != nil {
			sem.Release(1)
			break
		}
		j.update(i, func(s *model.ScanJob) { s.State = model.JobRunning })
		metrics.TargetsDispatched.WithLabelValues(j.def.Name).Inc()
		wg.Go(func() {
			defer sem.Release(1)
			j.run(i)
		})
	}
	wg.Wait()

	j.mx.Lock()
	for i := range j.states {
		if j.states[i].State == model.JobPending {
			j.states[i].State = model.JobCancelled
		}
	}
	j.mx.Unlock()
	close(j.out)
	slog.DebugContext(ctx, "job finished")
}

func (j *Job) update(i int, f func(*model.ScanJob)) {
	j.mx.Lock()
	f(&j.states[i])
	j.mx.Unlock()
}

// run probes one target until it succeeds or the retry policy gives up.
func (j *Job) run(i int) {
	j.mx.Lock()
	target := j.states[i].Target
	j.mx.Unlock()
	ctx := log.Target(j.runCtx, target)
	start := time.Now()

	var attempts int
	var lastErr error
	op := func() error {
		if attempts > 0 && j.cancelled.Load() {
			return backoff.Permanent(lastErr)
		}
		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				lastErr = err
				return backoff.Permanent(err)
			}
		}
		attempts++
		j.update(i, func(s *model.ScanJob) { s.Attempts = attempts })
		metrics.ProbeAttempts.WithLabelValues(j.def.Name).Inc()
		err := j.attempt(ctx, target, attempts)
		lastErr = err
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "probe failed, retrying", "attempt", attempts, "next", next, "err", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(j.newBackOff(), uint64(j.cfg.RetryCount)), j.dispatchCtx), notify)
	if err != nil && lastErr != nil {
		err = lastErr
	}

	state := model.JobCompleted
	switch {
	case err == nil:
	case j.runCtx.Err() != nil:
		state = model.JobCancelled
	default:
		state = model.JobFailed
		perr := &model.ProbeError{Target: target, Attempts: attempts, Err: err}
		err = perr
		metrics.ProbeErrors.WithLabelValues(j.def.Name, model.ErrorKind(perr)).Inc()
		slog.WarnContext(ctx, "probe failed", "attempts", attempts, "err", err)
		j.emit(Result{Target: target, Attempt: attempts, Err: perr})
	}
	j.update(i, func(s *model.ScanJob) {
		s.State = state
		s.Err = err
	})
	metrics.TargetDuration.WithLabelValues(j.def.Name, state.String()).Observe(time.Since(start).Seconds())
}

// attempt runs the strategy once under the per target deadline.
func (j *Job) attempt(ctx context.Context, target string, n int) error {
	actx, cancel := context.WithTimeout(ctx, j.cfg.PerTargetTimeout)
	defer cancel()

	for raw, err := range j.strategy.Produce(actx, target) {
		if err != nil {
			return classify(actx, err)
		}
		if !j.emit(Result{Target: target, Raw: raw, Attempt: n}) {
			return ctx.Err()
		}
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", model.ErrProbeTimeout, actx.Err())
	}
	return nil
}

func (j *Job) emit(r Result) bool {
	select {
	case j.out <- r:
		return true
	case <-j.runCtx.Done():
		return false
	}
}

func (j *Job) newBackOff() backoff.BackOff {
	// retry_backoff * 2^attempt, no jitter and no cap
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(j.cfg.RetryBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(time.Duration(math.MaxInt64)),
		backoff.WithMaxElapsedTime(0),
	)
}

// classify sorts a strategy error into the transient probe taxonomy.
func classify(attemptCtx context.Context, err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, model.ErrProbeTimeout), errors.Is(err, model.ErrProbeIO):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded),
		errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: %w", model.ErrProbeTimeout, err)
	default:
		return fmt.Errorf("%w: %w", model.ErrProbeIO, err)
	}
}
