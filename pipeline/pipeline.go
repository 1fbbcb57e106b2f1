package pipeline

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pipeline is an ordered, non-empty sequence of stages wired output-to-input:
// the first stage is a producer, every later stage is a transformer of its
// predecessor's output. A Pipeline is inert until Results or Execute starts
// it; once started, stages cannot be added.
type Pipeline struct {
	stages  []*Stage
	logger  logrus.FieldLogger
	metrics MetricsRecorder
	clock   Clock

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	errs    *errorCollector

	// RunID correlates this pipeline's log entries and metric samples
	// across its lifetime. It is assigned the first time the pipeline
	// starts running.
	RunID uuid.UUID
}

// New builds a Pipeline out of the given stages, in order. At least one
// stage is required.
func New(stages ...*Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrConfigInvalid
	}
	for i, st := range stages {
		if i == 0 && !st.isProducer() {
			return nil, ErrConfigInvalid
		}
		if i > 0 && st.isProducer() {
			return nil, ErrConfigInvalid
		}
		if st.name == "" {
			st.name = defaultStageName(i)
		}
	}
	return &Pipeline{
		stages:  stages,
		logger:  discardLogger,
		metrics: NopRecorder{},
		clock:   realClock{},
	}, nil
}

func defaultStageName(position int) string {
	return "stage-" + strconv.Itoa(position)
}

// WithLogger installs a structured logger for stage/worker lifecycle events.
// Without one, the pipeline logs nothing.
func (p *Pipeline) WithLogger(l logrus.FieldLogger) *Pipeline {
	p.logger = loggerOrDefault(l)
	return p
}

// WithMetrics installs a MetricsRecorder. Without one, instrumentation is a
// no-op.
func (p *Pipeline) WithMetrics(m MetricsRecorder) *Pipeline {
	if m != nil {
		p.metrics = m
	}
	return p
}

// WithClock installs the Clock used to schedule queue-depth sampling.
// Exposed for tests; production callers never need it.
func (p *Pipeline) WithClock(clk Clock) *Pipeline {
	if clk != nil {
		p.clock = clk
	}
	return p
}

// start wires every stage's channels and spawns its workers. It may only
// succeed once per Pipeline.
func (p *Pipeline) start(ctx context.Context) (context.Context, *Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil, nil, ErrConfigInvalid
	}
	p.started = true
	p.RunID = uuid.New()
	p.errs = &errorCollector{}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	log := p.logger.WithField("run_id", p.RunID.String())

	var input *Channel
	var predWorkers int
	for _, st := range p.stages {
		output := NewChannel(st.qsize)
		rs := &runtimeStage{
			stage:       st,
			input:       input,
			output:      output,
			predWorkers: predWorkers,
			logger:      log,
			metrics:     p.metrics,
			clock:       p.clock,
			errs:        p.errs,
		}
		rs.start(runCtx)

		input = output
		predWorkers = st.workers
	}

	return runCtx, input, nil
}

// Compose extends the pipeline with another stage, returning a new Pipeline
// with other appended after the existing stages. It fails on an
// already-started pipeline, since a started pipeline's channels are already
// wired and its stage list is no longer mutable.
func (p *Pipeline) Compose(other *Stage) (*Pipeline, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		return nil, ErrConfigInvalid
	}
	stages := make([]*Stage, 0, len(p.stages)+1)
	stages = append(stages, p.stages...)
	stages = append(stages, other)
	return New(stages...)
}

// Close signals every worker in the pipeline to stop and unblocks any Put or
// Get currently suspended on a channel. Use it when abandoning a Results
// iteration early so upstream producers are not stranded on a full output
// channel.
func (p *Pipeline) Close() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Errors returns every ERR marker observed across the whole run, in the
// order seen. Unlike the single TaskException that Results/Execute raise,
// this is a diagnostic supplement and is only meaningful after the pipeline
// has finished (or been Closed).
func (p *Pipeline) Errors() []error {
	p.mu.Lock()
	errs := p.errs
	p.mu.Unlock()
	if errs == nil {
		return nil
	}
	return errs.errors()
}

// ResultSeq is the lazy sequence of items Results returns: a pull-based
// iterator over the pipeline's terminal stage, accounting for END/ERR
// markers as it goes.
type ResultSeq struct {
	ctx      context.Context
	ch       *Channel
	workers  int
	ended    int
	firstErr *TaskException
}

// Next pulls the next successful item. ok is false once the terminal stage
// is fully drained; err is non-nil once every terminating marker has been
// accounted for and at least one of them was an ERR, or when the run's
// context is cancelled while waiting.
func (r *ResultSeq) Next() (item any, ok bool, err error) {
	for r.ended < r.workers {
		e, got, gerr := r.ch.Get(r.ctx)
		if gerr != nil {
			return nil, false, gerr
		}
		if !got {
			r.ended = r.workers
			break
		}
		switch e.kind {
		case entryItem:
			return e.item, true, nil
		case entryEnd:
			r.ended++
		case entryErr:
			r.ended++
			if r.firstErr == nil {
				r.firstErr = e.marker.Err
			}
		}
	}
	if r.firstErr != nil {
		return nil, false, r.firstErr
	}
	return nil, false, nil
}

// Results starts the pipeline and returns a lazy sequence over its terminal
// stage's successful items. A pipeline starts only once: calling Results or
// Execute on an already-started pipeline returns ErrConfigInvalid. If any
// worker failed, iteration raises a TaskException once every terminating
// marker has been drained — items already yielded before that point stand.
func (p *Pipeline) Results(ctx context.Context) (*ResultSeq, error) {
	runCtx, last, err := p.start(ctx)
	if err != nil {
		return nil, err
	}
	lastStage := p.stages[len(p.stages)-1]
	return &ResultSeq{ctx: runCtx, ch: last, workers: lastStage.workers}, nil
}

// Execute runs the pipeline and asserts it produces exactly one item,
// returning it. A pipeline that yields zero or more than one item fails
// with ErrWrongCardinality.
func (p *Pipeline) Execute(ctx context.Context) (any, error) {
	rs, err := p.Results(ctx)
	if err != nil {
		return nil, err
	}

	item, ok, err := rs.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrWrongCardinality
	}

	_, ok2, err := rs.Next()
	if err != nil {
		return nil, err
	}
	if ok2 {
		// Drain the rest so no worker is left blocked, then report the
		// cardinality mismatch.
		for {
			_, more, derr := rs.Next()
			if derr != nil || !more {
				break
			}
		}
		return nil, ErrWrongCardinality
	}

	return item, nil
}
