package pipeline

import "context"

// StageDecorator wraps a stage function (a ProducerFunc, TransformFunc or
// MapFunc, via the constructors below) as a factory that yields configured
// Stage instances: calling it with a name and the bound arguments produces a
// ready-to-compose Stage with the decorator's default worker count and queue
// size already applied.
type StageDecorator func(name string, args ...any) (*Stage, error)

// ProducerStageDecorator returns a StageDecorator around fn, pre-configured
// with workers and qsize (see Stage.Setup for their meaning).
func ProducerStageDecorator(fn ProducerFunc, workers, qsize int) StageDecorator {
	return func(name string, args ...any) (*Stage, error) {
		st := NewProducerStage(name, fn, args...)
		return st.Setup(workers, qsize)
	}
}

// TransformStageDecorator returns a StageDecorator around fn, pre-configured
// with workers and qsize.
func TransformStageDecorator(fn TransformFunc, workers, qsize int) StageDecorator {
	return func(name string, args ...any) (*Stage, error) {
		st := NewTransformStage(name, fn, args...)
		return st.Setup(workers, qsize)
	}
}

// MapFunc transforms a single input item into a single output item. It is
// the common case of a transformer stage function: one-in, one-out, with no
// need for the caller to hand-roll a Seq.
type MapFunc func(ctx context.Context, item any, args ...any) (any, error)

// MapStageDecorator adapts a MapFunc into a StageDecorator. The engine
// handles pulling from Input and yielding exactly one output per input item;
// the user only supplies the per-item transformation.
func MapStageDecorator(fn MapFunc, workers, qsize int) StageDecorator {
	transform := func(ctx context.Context, in Input, args ...any) (Seq, error) {
		return func(ctx context.Context) (any, bool, error) {
			item, ok, err := in.Next(ctx)
			if err != nil || !ok {
				return nil, false, err
			}
			out, err := fn(ctx, item, args...)
			if err != nil {
				return nil, false, err
			}
			return out, true, nil
		}, nil
	}
	return TransformStageDecorator(transform, workers, qsize)
}

// SliceProducer returns a ProducerFunc that yields the given items in order,
// ignoring any bound args. It is a convenience for wrapping a static slice
// as the pipeline's initial producer stage, mirroring how an iterable
// composed with a stage becomes an implicit single-worker producer.
func SliceProducer(items []any) ProducerFunc {
	return func(ctx context.Context, _ ...any) (Seq, error) {
		i := 0
		return func(ctx context.Context) (any, bool, error) {
			if i >= len(items) {
				return nil, false, nil
			}
			v := items[i]
			i++
			return v, true, nil
		}, nil
	}
}
