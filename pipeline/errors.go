package pipeline

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// Sentinel programming errors recognised by the engine. They indicate misuse
// of the API by the caller (or, for ErrWrongCardinality, an Execute call on a
// pipeline that did not yield exactly one item) rather than a failure of a
// user-supplied stage function, which is always reported as a TaskException.
var (
	// ErrClosedWrite is returned by a Channel's Put when the channel has
	// already been closed.
	ErrClosedWrite = xerrors.New("pipeline: put on closed channel")

	// ErrWrongCardinality is returned by Pipeline.Execute when the pipeline
	// did not produce exactly one item.
	ErrWrongCardinality = xerrors.New("pipeline: expected exactly one result")

	// ErrConfigInvalid is returned by Stage configuration methods when given
	// an out-of-range worker count or queue size, or when a stage is added
	// to a pipeline that has already started.
	ErrConfigInvalid = xerrors.New("pipeline: invalid configuration")
)

// TaskException is the single error kind raised from Results()/Execute()
// when a worker's stage function fails. It names the worker that raised the
// error and the kind and message of the underlying cause.
type TaskException struct {
	WorkerID string
	Kind     string
	Message  string
	cause    error
}

// Error implements the error interface. The message is always rendered as
// `The task "<worker_id>" raised <Kind>(<message>)`.
func (e *TaskException) Error() string {
	return fmt.Sprintf("The task %q raised %s(%s)", e.WorkerID, e.Kind, e.Message)
}

// Unwrap exposes the original error so callers can use errors.Is/errors.As
// against the cause rather than the TaskException wrapper.
func (e *TaskException) Unwrap() error {
	return e.cause
}

// kindOf names an error's kind for TaskException/ERR markers: the error's
// own Kind() string if it implements one, otherwise its Go type name.
func kindOf(err error) string {
	type kinder interface{ Kind() string }
	if k, ok := err.(kinder); ok {
		return k.Kind()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func newTaskException(workerID string, err error) *TaskException {
	return &TaskException{
		WorkerID: workerID,
		Kind:     kindOf(err),
		Message:  err.Error(),
		cause:    err,
	}
}

// errorCollector aggregates every ERR marker a pipeline's stages observe
// during a run into a multierror, independent of which single error
// Results()/Execute() ultimately surfaces as a TaskException. It exists so a
// caller can inspect every failure that occurred, not just the first. Each
// TaskException is kept once, however many stages hand it in.
type errorCollector struct {
	mu  sync.Mutex
	err *multierror.Error
}

func (c *errorCollector) add(e *TaskException) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		for _, seen := range c.err.Errors {
			if seen == error(e) {
				// Already recorded: the same TaskException is relayed
				// unchanged by every downstream stage.
				return
			}
		}
	}
	c.err = multierror.Append(c.err, e)
}

func (c *errorCollector) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err.Errors
}
