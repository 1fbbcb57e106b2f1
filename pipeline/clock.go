package pipeline

import "time"

// Ticker is the subset of *time.Ticker that Clock produces, abstracted so
// tests can drive queue-depth sampling deterministically instead of racing
// wall-clock time.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the collaborator a Pipeline uses to schedule periodic queue-depth
// sampling (see runtimeStage.reportQueueDepth). It exists purely so that
// behaviour can be mocked in tests; production code always uses realClock.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
