package scan_test

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/scan"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var def = model.Definition{Name: "test", Kind: model.KindHost}

// yields returns a strategy which emits the target followed by suffixes.
func yields(suffixes ...string) model.Strategy {
	return model.StrategyFunc(func(_ context.Context, target string) iter.Seq2[model.RawResult, error] {
		return func(yield func(model.RawResult, error) bool) {
			for _, s := range suffixes {
				if !yield(target+s, nil) {
					return
				}
			}
		}
	})
}

// hang blocks until the attempt deadline and reports it.
func hang(calls *atomic.Int32) model.Strategy {
	return model.StrategyFunc(func(ctx context.Context, _ string) iter.Seq2[model.RawResult, error] {
		return func(yield func(model.RawResult, error) bool) {
			calls.Add(1)
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	})
}

func collect(job *scan.Job) []scan.Result {
	var ret []scan.Result
	for r := range job.Results() {
		ret = append(ret, r)
	}
	return ret
}

func TestSubmit_Results(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		e := scan.NewExecutor()
		job, err := e.Submit(t.Context(), []string{"a", "b", "c", "a"}, yields("-1", "-2"), def, model.ExecutorConfig{})
		require.NoError(t, err)

		results := collect(job)
		require.Len(t, results, 6)

		byTarget := map[string][]model.RawResult{}
		for _, r := range results {
			require.NoError(t, r.Err)
			require.Equal(t, 1, r.Attempt)
			byTarget[r.Target] = append(byTarget[r.Target], r.Raw)
		}
		require.Equal(t, []model.RawResult{"a-1", "a-2"}, byTarget["a"])
		require.Equal(t, []model.RawResult{"b-1", "b-2"}, byTarget["b"])
		require.Equal(t, []model.RawResult{"c-1", "c-2"}, byTarget["c"])

		<-job.Done()
		states := job.Targets()
		require.Len(t, states, 3)
		for _, s := range states {
			require.Equal(t, model.JobCompleted, s.State)
			require.Equal(t, 1, s.Attempts)
		}
		require.NoError(t, e.Shutdown(t.Context()))
	})
}

func TestSubmit_DuplicateTargets(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		const n = 4096
		want := make([]string, 0, n)
		targets := make([]string, 0, 3*n)
		for i := range n {
			want = append(want, "10.0."+strconv.Itoa(i/256)+"."+strconv.Itoa(i%256))
		}
		reversed := slices.Clone(want)
		slices.Reverse(reversed)
		targets = append(targets, want...)
		targets = append(targets, reversed...)
		targets = append(targets, want...)

		e := scan.NewExecutor()
		job, err := e.Submit(t.Context(), targets, yields(), def, model.ExecutorConfig{MaxConcurrency: 64})
		require.NoError(t, err)
		require.Empty(t, collect(job))
		<-job.Done()

		states := job.Targets()
		got := make([]string, 0, len(states))
		for _, s := range states {
			got = append(got, s.Target)
		}
		require.Equal(t, want, got)
		require.NoError(t, e.Shutdown(t.Context()))
	})
}

func TestSubmit_TimeoutRetries(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		cfg := model.ExecutorConfig{
			PerTargetTimeout: 1 * time.Second,
			RetryCount:       2,
			RetryBackoff:     100 * time.Millisecond,
		}
		start := time.Now()
		job, err := scan.NewExecutor().Submit(t.Context(), []string{"10.0.0.1"}, hang(&calls), def, cfg)
		require.NoError(t, err)

		results := collect(job)
		require.Len(t, results, 1)
		r := results[0]
		require.Equal(t, "10.0.0.1", r.Target)
		require.ErrorIs(t, r.Err, model.ErrProbeTimeout)
		var perr *model.ProbeError
		require.ErrorAs(t, r.Err, &perr)
		require.Equal(t, 3, perr.Attempts)
		require.EqualValues(t, 3, calls.Load())
		require.Equal(t, "probe_timeout", model.ErrorKind(r.Err))

		// 3 attempts of 1s plus 100ms and 200ms of backoff
		require.Equal(t, 3300*time.Millisecond, time.Since(start))

		state := job.Targets()[0]
		require.Equal(t, model.JobFailed, state.State)
		require.Equal(t, 3, state.Attempts)
	})
}

func TestSubmit_RetryThenSuccess(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		flaky := model.StrategyFunc(func(_ context.Context, target string) iter.Seq2[model.RawResult, error] {
			return func(yield func(model.RawResult, error) bool) {
				if calls.Add(1) == 1 {
					yield(nil, errors.New("connection reset by peer"))
					return
				}
				yield(target, nil)
			}
		})
		job, err := scan.NewExecutor().Submit(t.Context(), []string{"h"}, flaky, def, model.ExecutorConfig{RetryCount: 1})
		require.NoError(t, err)
		results := collect(job)
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		require.Equal(t, "h", results[0].Raw)
		require.Equal(t, 2, results[0].Attempt)
		require.Equal(t, model.JobCompleted, job.Targets()[0].State)
	})
}

func TestSubmit_PartialFailure(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		s := model.StrategyFunc(func(_ context.Context, target string) iter.Seq2[model.RawResult, error] {
			return func(yield func(model.RawResult, error) bool) {
				if target == "bad" {
					yield(nil, errors.New("no route to host"))
					return
				}
				yield(target, nil)
			}
		})
		job, err := scan.NewExecutor().Submit(t.Context(), []string{"bad", "good"}, s, def, model.ExecutorConfig{})
		require.NoError(t, err)

		var failed, ok int
		for r := range job.Results() {
			if r.Err != nil {
				failed++
				require.Equal(t, "bad", r.Target)
				require.ErrorIs(t, r.Err, model.ErrProbeIO)
				continue
			}
			ok++
			require.Equal(t, "good", r.Raw)
		}
		require.Equal(t, 1, failed)
		require.Equal(t, 1, ok)
	})
}

func TestCancel_NoFurtherDispatch(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		slow := model.StrategyFunc(func(_ context.Context, target string) iter.Seq2[model.RawResult, error] {
			return func(yield func(model.RawResult, error) bool) {
				calls.Add(1)
				time.Sleep(10 * time.Second)
				yield(target, nil)
			}
		})
		targets := []string{"t1", "t2", "t3", "t4", "t5"}
		job, err := scan.NewExecutor().Submit(t.Context(), targets, slow, def, model.ExecutorConfig{MaxConcurrency: 2})
		require.NoError(t, err)

		synctest.Wait()
		require.EqualValues(t, 2, calls.Load())
		job.Cancel()

		results := collect(job)
		require.Len(t, results, 2, "in-flight targets drain")
		require.EqualValues(t, 2, calls.Load(), "no dispatch after cancel")

		var completed, cancelled int
		for _, s := range job.Targets() {
			switch s.State {
			case model.JobCompleted:
				completed++
			case model.JobCancelled:
				cancelled++
				require.Zero(t, s.Attempts)
			}
		}
		require.Equal(t, 2, completed)
		require.Equal(t, 3, cancelled)
	})
}

func TestCancel_StopsRetries(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		broken := model.StrategyFunc(func(context.Context, string) iter.Seq2[model.RawResult, error] {
			return func(yield func(model.RawResult, error) bool) {
				calls.Add(1)
				yield(nil, errors.New("broken pipe"))
			}
		})
		cfg := model.ExecutorConfig{RetryCount: 5, RetryBackoff: time.Second}
		job, err := scan.NewExecutor().Submit(t.Context(), []string{"x"}, broken, def, cfg)
		require.NoError(t, err)

		synctest.Wait()
		job.Cancel()
		results := collect(job)
		require.Len(t, results, 1)
		var perr *model.ProbeError
		require.ErrorAs(t, results[0].Err, &perr)
		require.Equal(t, 1, perr.Attempts)
		require.ErrorIs(t, perr, model.ErrProbeIO)
		require.EqualValues(t, 1, calls.Load())
	})
}

func TestResults_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		endless := model.StrategyFunc(func(ctx context.Context, target string) iter.Seq2[model.RawResult, error] {
			return func(yield func(model.RawResult, error) bool) {
				for ctx.Err() == nil {
					if !yield(target, nil) {
						return
					}
				}
			}
		})
		job, err := scan.NewExecutor().Submit(t.Context(), []string{"a", "b"}, endless, def, model.ExecutorConfig{})
		require.NoError(t, err)

		n := 0
		for range job.Results() {
			n++
			if n == 3 {
				break
			}
		}
		<-job.Done()
		for _, s := range job.Targets() {
			require.Equal(t, model.JobCancelled, s.State)
		}
		// the stream is single use
		require.Empty(t, collect(job))
	})
}

func TestSubmit_ParentContext(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		ctx, cancel := context.WithCancel(t.Context())
		job, err := scan.NewExecutor().Submit(ctx, []string{"a", "b"}, hang(&calls), def, model.ExecutorConfig{PerTargetTimeout: time.Hour})
		require.NoError(t, err)
		synctest.Wait()
		cancel()
		require.Empty(t, collect(job))
		<-job.Done()
	})
}

func TestSubmit_Configuration(t *testing.T) {
	t.Parallel()
	e := scan.NewExecutor()

	var testCases = []struct {
		scenario string
		strategy model.Strategy
		targets  []string
		cfg      model.ExecutorConfig
	}{
		{"negative concurrency", yields(""), []string{"a"}, model.ExecutorConfig{MaxConcurrency: -1}},
		{"negative timeout", yields(""), []string{"a"}, model.ExecutorConfig{PerTargetTimeout: -time.Second}},
		{"negative retries", yields(""), []string{"a"}, model.ExecutorConfig{RetryCount: -1}},
		{"nil strategy", nil, []string{"a"}, model.ExecutorConfig{}},
		{"empty target", yields(""), []string{""}, model.ExecutorConfig{}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			job, err := e.Submit(t.Context(), tc.targets, tc.strategy, def, tc.cfg)
			require.ErrorIs(t, err, model.ErrConfiguration)
			require.Nil(t, job)
		})
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		e := scan.NewExecutor()
		job, err := e.Submit(t.Context(), []string{"a"}, hang(&calls), def, model.ExecutorConfig{PerTargetTimeout: time.Hour})
		require.NoError(t, err)
		synctest.Wait()

		got, ok := e.Job(job.ID())
		require.True(t, ok)
		require.Same(t, job, got)

		require.NoError(t, e.Shutdown(t.Context()))
		<-job.Done()
		require.Equal(t, model.JobCancelled, job.Targets()[0].State)
		_, ok = e.Job(job.ID())
		require.False(t, ok)

		_, err = e.Submit(t.Context(), []string{"a"}, yields(""), def, model.ExecutorConfig{})
		require.ErrorIs(t, err, scan.ErrClosed)
	})
}
