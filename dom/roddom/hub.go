package roddom

import (
	"context"
	"sync"
)

type subscription[T any] struct {
	ch   chan T
	done <-chan struct{}
}

// hub fans values out to context-bound subscribers.
type hub[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
	size int
	// lossy publishers drop a value for a subscriber whose buffer is full.
	lossy bool
}

func (h *hub[T]) subscribe(ctx context.Context) <-chan T {
	sub := &subscription[T]{ch: make(chan T, h.size), done: ctx.Done()}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		for i, s := range h.subs {
			if s == sub {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if h.lossy {
			select {
			case s.ch <- v:
			default:
			}
			continue
		}
		select {
		case s.ch <- v:
		case <-s.done:
		}
	}
}
