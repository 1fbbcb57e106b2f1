package pipeline

import (
	"context"
	"sync"
)

// Channel is the bounded, concurrent-safe FIFO that connects one stage's
// workers to the next stage's workers. A capacity of 0 means unbounded: puts
// never block on queue depth, only on the consumer side ever catching up.
//
// Unlike a bare Go channel, Channel tolerates a Put racing a Close: instead
// of panicking on a send to a closed channel, Put returns ErrClosedWrite.
// Closing while a writer is still mid-send is a programming error to guard
// against, not a crash to let happen.
type Channel struct {
	capacity int

	buf chan entry // consumer-facing channel; always the one Get reads from
	in  chan entry // producer-facing channel when capacity == 0 (unbounded)

	pumpDone chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

// NewChannel allocates a Channel with the given capacity. capacity <= 0
// yields an unbounded channel.
func NewChannel(capacity int) *Channel {
	ch := &Channel{capacity: capacity}
	if capacity > 0 {
		ch.buf = make(chan entry, capacity)
		return ch
	}

	ch.buf = make(chan entry)
	ch.in = make(chan entry)
	ch.pumpDone = make(chan struct{})
	go ch.pump()
	return ch
}

// pump backs the unbounded case: it shuttles entries from the producer-facing
// "in" channel to the consumer-facing "buf" channel through a growing slice,
// so that Put on "in" never blocks on queue depth. This is the classic
// infinite-buffered-channel idiom; see DESIGN.md for why no bounded queue
// from the example corpus fits an unbounded channel's contract.
func (ch *Channel) pump() {
	defer close(ch.pumpDone)

	var queue []entry
	for {
		var out chan entry
		var next entry
		if len(queue) > 0 {
			out = ch.buf
			next = queue[0]
		}

		select {
		case e, ok := <-ch.in:
			if !ok {
				for _, q := range queue {
					ch.buf <- q
				}
				close(ch.buf)
				return
			}
			queue = append(queue, e)
		case out <- next:
			queue = queue[1:]
		}
	}
}

// Put enqueues e, blocking while the channel is at capacity (bounded case)
// or until ctx is cancelled. Put on a closed channel returns ErrClosedWrite
// rather than panicking.
func (ch *Channel) Put(ctx context.Context, e entry) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosedWrite
	}
	ch.inflight.Add(1)
	ch.mu.Unlock()
	defer ch.inflight.Done()

	target := ch.buf
	if ch.capacity <= 0 {
		target = ch.in
	}

	select {
	case target <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the oldest entry, blocking while empty and open. ok is false
// once the channel has been closed and fully drained.
func (ch *Channel) Get(ctx context.Context) (e entry, ok bool, err error) {
	select {
	case e, ok = <-ch.buf:
		return e, ok, nil
	case <-ctx.Done():
		return entry{}, false, ctx.Err()
	}
}

// Len reports the number of entries currently buffered on the
// consumer-facing side of the channel. It is a best-effort instrumentation
// hint, not a synchronisation primitive. For an unbounded channel it is
// always 0: the backlog held by pump is not counted.
func (ch *Channel) Len() int {
	return len(ch.buf)
}

// Close marks the channel closed. It is idempotent: calling it more than
// once is a no-op. Pending Puts in flight are allowed to
// land before the underlying channel is actually closed so no goroutine
// panics on a torn-down channel.
func (ch *Channel) Close() {
	ch.once.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		ch.mu.Unlock()

		ch.inflight.Wait()

		if ch.capacity <= 0 {
			close(ch.in)
			<-ch.pumpDone
			return
		}
		close(ch.buf)
	})
}
