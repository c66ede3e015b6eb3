package model

import (
	"context"
	"iter"
)

// Strategy produces raw results for a single target. The sequence is lazy and
// finite; ranging over it again runs the probes again. I/O failures are yielded
// as errors, the executor decides whether to retry.
type Strategy interface {
	Produce(ctx context.Context, target string) iter.Seq2[RawResult, error]
}

// StrategyFunc is an adapter allowing the use of ordinary functions as Strategy.
type StrategyFunc func(ctx context.Context, target string) iter.Seq2[RawResult, error]

func (f StrategyFunc) Produce(ctx context.Context, target string) iter.Seq2[RawResult, error] {
	return f(ctx, target)
}

type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ScanJob is the execution record of one target.
type ScanJob struct {
	Target     string
	Definition Definition
	Strategy   Strategy
	State      JobState
	Attempts   int
	Err        error
}
