package consumer

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBatcherClosed = errors.New("batcher closed")

// FlushFunc writes one batch. Every Add waiting on the batch receives its error.
type FlushFunc[T any] func(ctx context.Context, items []T) error

type BatcherOptions struct {
	// MaxSize caps the items per write. Zero means 200.
	MaxSize int
	// FlushInterval bounds how long the first item of a partial batch waits.
	// Zero means 50ms.
	FlushInterval time.Duration
	// FlushTimeout bounds one FlushFunc call. Zero means 5s.
	FlushTimeout time.Duration
}

type pendingItem[T any] struct {
	item T
	done chan error
}

// Batcher groups items added from many goroutines into bounded writes. Add
// returns only after the write holding its item has finished, so callers can
// ack a queue message once Add returns nil.
type Batcher[T any] struct {
	opts  BatcherOptions
	flush FlushFunc[T]

	in     chan pendingItem[T]
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
}

func NewBatcher[T any](opts BatcherOptions, flush FlushFunc[T]) *Batcher[T] {
	if flush == nil {
		panic("consumer: nil flush func")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 200
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}

	b := &Batcher[T]{
		opts:   opts,
		flush:  flush,
		in:     make(chan pendingItem[T], opts.MaxSize*2),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.run()
	return b
}

// Close writes whatever is queued and stops the loop. It is safe to call
// more than once.
func (b *Batcher[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Add queues item and blocks until its batch has been written, ctx is done,
// or the batcher is closed. An item whose ctx expires after queueing is still
// written.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	if b == nil {
		return ErrBatcherClosed
	}
	p := pendingItem[T]{item: item, done: make(chan error, 1)}

	select {
	case <-b.stopCh:
		return ErrBatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.in <- p:
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.doneCh:
		// The final drain may still have written it.
		select {
		case err := <-p.done:
			return err
		default:
			return ErrBatcherClosed
		}
	}
}

func (b *Batcher[T]) run() {
	defer close(b.doneCh)

	var (
		batch    []pendingItem[T]
		deadline <-chan time.Time
	)
	write := func() {
		deadline = nil
		if len(batch) == 0 {
			return
		}
		items := make([]T, len(batch))
		for i, p := range batch {
			items[i] = p.item
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
		err := b.flush(ctx, items)
		cancel()

		for _, p := range batch {
			p.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-b.in:
			if len(batch) == 0 {
				deadline = time.After(b.opts.FlushInterval)
			}
			batch = append(batch, p)
			if len(batch) >= b.opts.MaxSize {
				write()
			}
		case <-deadline:
			write()
		case <-b.stopCh:
			for {
				select {
				case p := <-b.in:
					batch = append(batch, p)
					if len(batch) >= b.opts.MaxSize {
						write()
					}
				default:
					write()
					return
				}
			}
		}
	}
}
