package pipeline

import (
	"context"
	"hash/fnv"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Radar/internal/log"
	"github.com/CZERTAINLY/Radar/internal/metrics"
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/scan"
)

// Event is an item of a Run stream. Exactly one of Value and Err is set,
// except for store failures in the resources stream which carry both.
type Event struct {
	Target   string
	Value    model.Value
	Resource model.Resource
	// Created is set when the resource was created by this run.
	Created bool
	Err     error
}

// Run feeds a stream of scan results through a Pipeline. Streams are
// subscribed by calling Values or Resources and processing starts with the
// first pull. A stream being pulled has a bounded queue and slows the run
// down when its consumer lags; a subscribed stream which is not pulled yet
// queues without a bound, so streams can be drained one after another. A
// subscriber which leaves its loop early is dropped and once all are gone
// the source is abandoned.
type Run struct {
	p       *Pipeline
	ctx     context.Context
	cancel  context.CancelFunc
	results iter.Seq[scan.Result]

	mx        sync.Mutex
	started   bool
	values    *subscriber
	resources *subscriber
	active    atomic.Int32
	once      sync.Once
}

// subscriber is the queue of one stream. wake is closed and replaced on
// every change of the queue, waiters select on it.
type subscriber struct {
	limit int

	mx      sync.Mutex
	queue   []Event
	pulling bool
	closed  bool
	gone    bool
	wake    chan struct{}
}

func newSubscriber(limit int) *subscriber {
	return &subscriber{
		limit: limit,
		wake:  make(chan struct{}),
	}
}

// changed must be called with s.mx held.
func (s *subscriber) changed() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// push appends ev and blocks while the queue of a pulled stream is full.
func (s *subscriber) push(ctx context.Context, ev Event) {
	s.mx.Lock()
	for s.pulling && !s.gone && len(s.queue) >= s.limit {
		wake := s.wake
		s.mx.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
		s.mx.Lock()
	}
	defer s.mx.Unlock()
	if s.gone || s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.changed()
}

// pop returns the next event, ok is false once the stream is closed and
// drained.
func (s *subscriber) pop() (Event, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.pulling = true
	for len(s.queue) == 0 {
		if s.closed {
			return Event{}, false
		}
		wake := s.wake
		s.mx.Unlock()
		<-wake
		s.mx.Lock()
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	s.changed()
	return ev, true
}

func (s *subscriber) close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	s.changed()
}

func (s *subscriber) leave() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.gone {
		return false
	}
	s.gone = true
	s.queue = nil
	s.changed()
	return true
}

// Run returns a Run over results. Cancelling ctx stops it.
func (p *Pipeline) Run(ctx context.Context, results iter.Seq[scan.Result]) *Run {
	ctx, cancel := context.WithCancel(ctx)
	return &Run{
		p:       p,
		ctx:     ctx,
		cancel:  cancel,
		results: results,
	}
}

// Values subscribes to the stream of distinct normalized values. Probe and
// normalization failures appear as error events.
func (r *Run) Values() iter.Seq[Event] {
	return r.stream(&r.values)
}

// Resources subscribes to the stream of resolved resources. Values are
// resolved only when this stream is subscribed.
func (r *Run) Resources() iter.Seq[Event] {
	return r.stream(&r.resources)
}

func (r *Run) stream(slot **subscriber) iter.Seq[Event] {
	r.mx.Lock()
	if r.started {
		r.mx.Unlock()
		return func(func(Event) bool) {}
	}
	if *slot == nil {
		*slot = newSubscriber(r.p.buffer)
		r.active.Add(1)
	}
	s := *slot
	r.mx.Unlock()

	return func(yield func(Event) bool) {
		r.once.Do(r.start)
		for {
			ev, ok := s.pop()
			if !ok {
				return
			}
			if !yield(ev) {
				r.leave(s)
				return
			}
		}
	}
}

func (r *Run) leave(s *subscriber) {
	if s.leave() && r.active.Add(-1) == 0 {
		r.cancel()
	}
}

func (r *Run) start() {
	r.mx.Lock()
	r.started = true
	r.mx.Unlock()

	inputs := make([]chan scan.Result, r.p.workers)
	var wg sync.WaitGroup
	for i := range inputs {
		inputs[i] = make(chan scan.Result, r.p.buffer)
		wg.Go(func() {
			for res := range inputs[i] {
				// keep draining so the feeder never blocks
				if r.ctx.Err() == nil {
					r.handle(res)
				}
			}
		})
	}

	go func() {
		defer func() {
			for _, in := range inputs {
				close(in)
			}
			wg.Wait()
			for _, s := range []*subscriber{r.values, r.resources} {
				if s != nil {
					s.close()
				}
			}
			r.cancel()
		}()
		for res := range r.results {
			// one worker per target keeps the emission order of a target
			select {
			case inputs[partition(res.Target, len(inputs))] <- res:
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

func partition(target string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(target))
	return int(h.Sum32() % uint32(n))
}

func (r *Run) handle(res scan.Result) {
	ctx := log.Target(r.ctx, res.Target)
	if res.Err != nil {
		metrics.PipelineResults.WithLabelValues(metrics.OutcomeProbeError).Inc()
		ev := Event{Target: res.Target, Err: res.Err}
		r.send(r.values, ev)
		r.send(r.resources, ev)
		return
	}

	v, err := r.p.Normalize(ctx, res.Target, res.Raw)
	if err != nil {
		ev := Event{Target: res.Target, Err: err}
		r.send(r.values, ev)
		r.send(r.resources, ev)
		return
	}

	if r.resources == nil {
		if r.p.markValue(v) {
			r.send(r.values, Event{Target: res.Target, Value: v})
		}
		return
	}

	out, err := r.p.Resolve(ctx, v)
	switch {
	case out.Duplicate:
	case err != nil:
		// a failed value is resolved again by a later duplicate
		if r.p.firstValue(v) {
			r.send(r.values, Event{Target: res.Target, Value: v})
		}
		r.send(r.resources, Event{Target: res.Target, Value: v, Err: err})
	default:
		ev := Event{Target: res.Target, Value: v, Resource: out.Resource, Created: out.WasCreated()}
		if r.p.firstValue(v) {
			r.send(r.values, ev)
		}
		r.send(r.resources, ev)
	}
}

func (r *Run) send(s *subscriber, ev Event) {
	if s == nil {
		return
	}
	s.push(r.ctx, ev)
}
