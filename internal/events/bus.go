// Package events fans pipeline lifecycle notifications out to sinks without
// blocking the pipeline.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

const (
	DefaultBuffer      = 256
	DefaultSinkTimeout = 10 * time.Second
)

// Sink receives events. Errors are logged, never returned to the publisher.
type Sink interface {
	Name() string
	Handle(ctx context.Context, evt domain.Event) error
}

type envelope struct {
	ctx context.Context
	evt domain.Event
}

// Bus delivers published events to every sink from a single dispatcher
// goroutine, in publish order. When the buffer is full events are dropped.
type Bus struct {
	sinks       []Sink
	ch          chan envelope
	sinkTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewBus starts a bus with the given buffer size.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b := &Bus{
		sinks:       sinks,
		ch:          make(chan envelope, buffer),
		sinkTimeout: DefaultSinkTimeout,
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues evt. It never blocks.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- envelope{ctx: context.WithoutCancel(ctx), evt: evt}:
	default:
		b.dropped.Add(1)
		log := logger.FromContext(ctx)
		log.Warn().
			Str("event", string(evt.Name)).
			Str("run_id", evt.RunID).
			Msg("Event buffer full, dropping event")
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered
// or ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("Close: draining events: %w", ctx.Err())
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for env := range b.ch {
		for _, s := range b.sinks {
			b.deliver(env, s)
		}
	}
}

func (b *Bus) deliver(env envelope, s Sink) {
	log := logger.FromContext(env.ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("sink", s.Name()).
				Str("event", string(env.evt.Name)).
				Interface("panic", r).
				Msg("Event sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(env.ctx, b.sinkTimeout)
	defer cancel()

	if err := s.Handle(ctx, env.evt); err != nil {
		log.Warn().
			Err(err).
			Str("sink", s.Name()).
			Str("event", string(env.evt.Name)).
			Str("run_id", env.evt.RunID).
			Msg("Event sink failed")
	}
}
