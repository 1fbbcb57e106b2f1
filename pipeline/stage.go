package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Seq is a finite, pull-based lazy sequence of items: the shape every stage
// function's result must satisfy. Calling it repeatedly yields items until
// it reports ok=false (exhaustion) or a non-nil error (the function raised).
type Seq func(ctx context.Context) (item any, ok bool, err error)

// Input is the view a transformer stage function gets over its predecessor's
// output: a pull-based sequence that transparently folds in the sentinel
// marker accounting of the sentinel protocol. Next blocks until an item is
// available, the input is exhausted, or an upstream worker's error has put
// this worker into drain mode.
type Input interface {
	Next(ctx context.Context) (item any, ok bool, err error)
}

// ProducerFunc is invoked once per worker of a stage with no predecessor; it
// is handed only the stage's bound arguments and must return the lazy
// sequence of items that worker will emit.
type ProducerFunc func(ctx context.Context, args ...any) (Seq, error)

// TransformFunc is invoked once per worker of a stage with a predecessor; it
// is handed a pull-based view of the predecessor's output plus the stage's
// bound arguments, and must return the lazy sequence of items that worker
// will emit.
type TransformFunc func(ctx context.Context, in Input, args ...any) (Seq, error)

// Stage owns a user function plus its bound parameters, a worker count, and
// an output-queue capacity. Stages are inert until a Pipeline starts them.
type Stage struct {
	name    string
	workers int
	qsize   int
	args    []any

	produce   ProducerFunc
	transform TransformFunc
}

// NewProducerStage builds a stage with no predecessor: fn is called once per
// worker with only the bound args.
func NewProducerStage(name string, fn ProducerFunc, args ...any) *Stage {
	return &Stage{name: name, workers: 1, produce: fn, args: args}
}

// NewTransformStage builds a stage that consumes its predecessor's output:
// fn is called once per worker with a pull-based Input plus the bound args.
func NewTransformStage(name string, fn TransformFunc, args ...any) *Stage {
	return &Stage{name: name, workers: 1, transform: fn, args: args}
}

// Setup configures the worker count and output queue capacity, returning the
// stage so calls can be chained fluently. qsize of 0 means unbounded.
func (s *Stage) Setup(workers, qsize int) (*Stage, error) {
	if workers < 1 || qsize < 0 {
		return nil, ErrConfigInvalid
	}
	s.workers = workers
	s.qsize = qsize
	return s, nil
}

// Compose returns a new Pipeline containing this stage followed by other.
func (s *Stage) Compose(other *Stage) (*Pipeline, error) {
	return New(s, other)
}

func (s *Stage) isProducer() bool {
	return s.produce != nil
}

func (s *Stage) workerID(index int) string {
	return fmt.Sprintf("%s-%d", s.name, index)
}

// runtimeStage is a stage bound to its position in a started Pipeline: the
// channels, predecessor worker count, and shared observability collaborators
// it needs to actually run.
type runtimeStage struct {
	stage       *Stage
	input       *Channel // nil for the first (producer) stage
	output      *Channel
	predWorkers int

	logger  logrus.FieldLogger
	metrics MetricsRecorder
	clock   Clock
	errs    *errorCollector
}

// start spawns one goroutine per worker plus a monitor goroutine that joins
// them and closes the output channel exactly once every worker has emitted
// its terminating marker.
func (rs *runtimeStage) start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(rs.stage.workers)

	var active int32
	for i := 0; i < rs.stage.workers; i++ {
		id := rs.stage.workerID(i)
		go func() {
			defer wg.Done()
			rs.metrics.WorkersActive(rs.stage.name, int(atomic.AddInt32(&active, 1)))
			defer rs.metrics.WorkersActive(rs.stage.name, int(atomic.AddInt32(&active, -1)))
			rs.runWorker(ctx, id)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
		rs.output.Close()
		rs.logger.WithField("stage", rs.stage.name).Debug("stage output channel closed")
	}()

	go rs.reportQueueDepth(done)

	return &wg
}

// reportQueueDepth samples the stage's output queue depth until the stage
// finishes, so a slow-consumer backpressure test can observe it without the
// channel exposing its internals directly.
func (rs *runtimeStage) reportQueueDepth(done <-chan struct{}) {
	clock := rs.clock
	if clock == nil {
		clock = realClock{}
	}
	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			rs.metrics.QueueDepth(rs.stage.name, rs.output.Len())
		case <-done:
			return
		}
	}
}

func (rs *runtimeStage) runWorker(ctx context.Context, id string) {
	log := rs.logger.WithField("worker", id)
	log.Debug("worker starting")

	var in *inputSeq
	var seq Seq
	var err error

	if rs.stage.isProducer() {
		seq, err = rs.stage.produce(ctx, rs.stage.args...)
	} else {
		in = &inputSeq{ch: rs.input, predWorkers: rs.predWorkers, onErr: rs.errs.add}
		seq, err = rs.stage.transform(ctx, in, rs.stage.args...)
	}

	if err != nil {
		rs.fail(ctx, id, err, in, log)
		return
	}

	for {
		item, ok, serr := seq(ctx)
		if serr != nil {
			rs.fail(ctx, id, serr, in, log)
			return
		}
		if !ok {
			break
		}
		if perr := rs.output.Put(ctx, itemEntry(item)); perr != nil {
			log.WithError(perr).Warn("put failed, worker aborting")
			return
		}
	}

	if perr := rs.output.Put(ctx, endEntry(id)); perr != nil {
		log.WithError(perr).Warn("put of END marker failed")
		return
	}
	log.Debug("worker finished")
}

// fail handles a worker's terminating error, whether it was raised by the
// user function or is a *TaskException propagated from an upstream worker
// via in.Next's drain-mode return. A propagated exception is re-emitted
// unchanged (same WorkerID/Kind/Message) rather than re-wrapped under this
// worker's own id, so the originating worker is always the one named in the
// TaskException the caller ultimately sees.
func (rs *runtimeStage) fail(ctx context.Context, id string, cause error, in *inputSeq, log logrus.FieldLogger) {
	log.WithError(cause).Warn("worker raised an error, entering drain mode")

	te, ok := cause.(*TaskException)
	if !ok {
		te = newTaskException(id, cause)
	}
	rs.errs.add(te)

	rs.metrics.ErrorsObserved(rs.stage.name, 1)
	if perr := rs.output.Put(ctx, errEntry(te)); perr != nil {
		log.WithError(perr).Warn("put of ERR marker failed")
	}
	if in != nil {
		in.drainRemaining(ctx)
	}
}

// inputSeq implements Input over a runtimeStage's predecessor channel,
// folding END/ERR marker accounting into Next: each consumer worker counts
// the terminating markers it personally observes and reports exhaustion once
// that count reaches predWorkers or the channel is closed and drained. An
// ERR marker ends the sequence at once, returned as Next's error.
type inputSeq struct {
	ch          *Channel
	predWorkers int
	ended       int
	onErr       func(*TaskException)
}

func (s *inputSeq) Next(ctx context.Context) (any, bool, error) {
	for {
		if s.ended >= s.predWorkers {
			return nil, false, nil
		}
		e, ok, err := s.ch.Get(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			s.ended = s.predWorkers
			return nil, false, nil
		}
		switch e.kind {
		case entryItem:
			return e.item, true, nil
		case entryEnd:
			s.ended++
			continue
		case entryErr:
			s.ended++
			// Not recorded via onErr here: the caller (runWorker) always
			// routes this return value through fail, which records it
			// exactly once. onErr exists for drainRemaining below, where an
			// observed ERR marker is discarded rather than returned.
			return nil, false, e.marker.Err
		}
	}
}

// drainRemaining discards input until the predecessor's worker count is
// fully accounted for, so that worker is never left blocked on a full
// channel after this worker has given up on normal processing.
func (s *inputSeq) drainRemaining(ctx context.Context) {
	for s.ended < s.predWorkers {
		e, ok, err := s.ch.Get(ctx)
		if err != nil || !ok {
			return
		}
		switch e.kind {
		case entryEnd:
			s.ended++
		case entryErr:
			s.ended++
			if s.onErr != nil {
				s.onErr(e.marker.Err)
			}
		}
	}
}
