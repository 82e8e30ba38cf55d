package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Pipe is a bounded, channel-backed Source with a producer side. The
// producer calls Emit and finishes with CloseSend or Fail; the consumer
// pulls with Next. Emit blocks once the window is full, which is how
// consumer backpressure reaches the producer.
//
// Emit may be called from multiple goroutines, but all Emit calls must
// complete before CloseSend or Fail; items landing after completion may
// be lost.
type Pipe struct {
	items chan json.RawMessage

	endOnce  sync.Once
	end      chan struct{} // closed by CloseSend/Fail
	doneOnce sync.Once
	done     chan struct{} // closed by consumer Close

	mu  sync.Mutex
	err error // terminal producer error, set before end closes
}

// NewPipe returns a pipe buffering up to window items. A non-positive
// window falls back to 1 so Emit and Next never rendezvous directly.
func NewPipe(window int) *Pipe {
	if window <= 0 {
		window = 1
	}
	return &Pipe{
		items: make(chan json.RawMessage, window),
		end:   make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Emit appends one item. It blocks while the window is full and fails
// with ErrClosed once the consumer closed the stream or the producer
// already finished, or with ctx.Err on cancellation.
func (p *Pipe) Emit(ctx context.Context, item json.RawMessage) error {
	select {
	case <-p.end:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.items <- item:
		return nil
	case <-p.end:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend marks normal completion. Items already emitted are still
// delivered; afterwards Next returns io.EOF.
func (p *Pipe) CloseSend() {
	p.endOnce.Do(func() { close(p.end) })
}

// Fail marks failed completion. Items already emitted are still
// delivered; afterwards Next returns err. A nil err behaves like
// CloseSend.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.endOnce.Do(func() { close(p.end) })
}

// Next implements Source.
func (p *Pipe) Next(ctx context.Context) (json.RawMessage, error) {
	// Deliver buffered items before honoring completion, so CloseSend
	// racing a consumer never loses frames.
	select {
	case item := <-p.items:
		return item, nil
	default:
	}
	select {
	case item := <-p.items:
		return item, nil
	case <-p.end:
		select {
		case item := <-p.items:
			return item, nil
		default:
		}
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Source. It aborts the stream from the consumer side:
// pending and future Emit calls fail with ErrClosed.
func (p *Pipe) Close() error {
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

// Done is closed when the consumer abandoned the stream. Producers
// running in their own goroutine can select on it to stop early.
func (p *Pipe) Done() <-chan struct{} { return p.done }
