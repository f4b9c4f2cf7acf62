package event

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type queued struct {
	ctx context.Context
	e   Event
}

// mailbox is an unbounded FIFO feeding one handler goroutine.
type mailbox struct {
	mu    sync.Mutex
	queue []queued
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox(ctx context.Context, name string, h Handler, logger *zap.Logger) *mailbox {
	b := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run(ctx, name, h, logger)
	return b
}

func (b *mailbox) push(ctx context.Context, e Event) {
	b.mu.Lock()
	b.queue = append(b.queue, queued{ctx: ctx, e: e})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) run(ctx context.Context, name string, h Handler, logger *zap.Logger) {
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			item := b.queue[0]
			b.queue[0] = queued{}
			b.queue = b.queue[1:]
			b.mu.Unlock()

			select {
			case <-b.done:
				return
			default:
			}
			invoke(item.ctx, logger.With(zap.String("handler", name)), h, item.e)
		}
	}
}

// stop ends the handler goroutine; queued events are discarded.
func (b *mailbox) stop() {
	b.once.Do(func() { close(b.done) })
}
