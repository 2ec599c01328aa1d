package tracker

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/logs"
)

// Subscription is one consumer's view of the event stream. Each subscriber
// receives every published event on its own bounded channel.
type Subscription struct {
	name    string
	ch      chan *Event
	dropped *atomic.Uint64
}

// Events returns the channel events are delivered on. The channel is closed
// when the publisher shuts down.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscriber
// fell behind its buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Publisher fans tracker events out to every subscriber. Publish never
// blocks the calling listener: a full subscriber buffer drops its oldest
// event instead of stalling protocol responses. Publish order matches
// event-construction order per listener because delivery happens under a
// single mutex and channels are FIFO.
type Publisher struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed *atomic.Bool
}

func NewPublisher() *Publisher {
	return &Publisher{
		closed: atomic.NewBool(false),
	}
}

// Subscribe registers a consumer with a buffer of the given size. All
// subscriptions must be created before the listeners start publishing.
func (p *Publisher) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		name:    name,
		ch:      make(chan *Event, buffer),
		dropped: atomic.NewUint64(0),
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub
}

// Publish hands ev to every subscriber. A slow subscriber loses its oldest
// buffered event (documented drop-oldest policy); the drop is counted and
// logged so it is never silent.
func (p *Publisher) Publish(ev *Event) {
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}

	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Buffer full: make room by discarding the oldest event.
		select {
		case <-sub.ch:
			sub.dropped.Inc()
			logs.GetLogger().Warn("subscriber too slow, dropped oldest event",
				zap.String("subscriber", sub.name),
				zap.Uint64("dropped_total", sub.dropped.Load()))
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close stops delivery and closes every subscriber channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return
	}
	for _, sub := range p.subs {
		close(sub.ch)
	}
}
