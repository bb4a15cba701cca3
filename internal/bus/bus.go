// Package bus fans events out from venue sessions to consumers.
//
// Each subscriber owns a bounded queue with an overflow policy:
//
//	drop_oldest — evict the oldest queued event to admit the new one (default)
//	drop_newest — discard the incoming event
//	block       — apply backpressure to the publisher
//
// A subscription matches one channel type and either one symbol or, with
// an empty symbol, every symbol on that channel. Events for a given
// (channel, symbol) are delivered to each subscriber in publish order; a
// slow subscriber under a drop policy loses events but never reorders
// them. Drops are counted per subscription and exported to Prometheus.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"tradeforge/internal/metrics"
	"tradeforge/pkg/types"
)

// Policy selects a subscriber's overflow behavior.
type Policy string

const (
	PolicyDropOldest Policy = "drop_oldest"
	PolicyDropNewest Policy = "drop_newest"
	PolicyBlock      Policy = "block"
)

const defaultQueue = 1024

// SubscriberOptions tune one subscription's queue.
type SubscriberOptions struct {
	Queue  int    // 0 = 1024
	Policy Policy // "" = drop_oldest
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus     *Bus
	channel types.ChannelType
	symbol  types.Symbol // empty matches every symbol
	policy  Policy
	ch      chan types.Event
	dropped atomic.Int64
}

// Events returns the subscription's delivery channel. It closes when the
// bus shuts down.
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// Dropped returns how many events this subscription has lost to its
// overflow policy.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription from the bus. The delivery channel is
// left open for draining; it closes with the bus.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

type subKey struct {
	channel types.ChannelType
	symbol  types.Symbol
}

// Bus is the fan-out hub between sessions and consumers.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[subKey][]*Subscription
	closed bool
}

// New creates a bus. metrics may be nil in tests.
func New(logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		logger:  logger.With("component", "bus"),
		metrics: m,
		subs:    make(map[subKey][]*Subscription),
	}
}

// Subscribe registers a consumer for (channel, symbol). An empty symbol
// subscribes to every symbol on the channel.
func (b *Bus) Subscribe(channel types.ChannelType, symbol types.Symbol, opts SubscriberOptions) *Subscription {
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDropOldest
	}

	sub := &Subscription{
		bus:     b,
		channel: channel,
		symbol:  symbol,
		policy:  opts.Policy,
		ch:      make(chan types.Event, opts.Queue),
	}

	key := subKey{channel: channel, symbol: symbol}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[key] = append(b.subs[key], sub)
	return sub
}

// Publish delivers one event to every matching subscriber. Publish is
// called from each session's pump goroutine; per-(channel, symbol) order
// follows from publishing each venue's events from a single goroutine.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(ev.Venue, string(ev.Channel)).Inc()
	}

	exact := b.subs[subKey{channel: ev.Channel, symbol: ev.Symbol}]
	wild := b.subs[subKey{channel: ev.Channel}]
	for _, sub := range exact {
		b.deliver(sub, ev)
	}
	if ev.Symbol != "" {
		for _, sub := range wild {
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *Subscription, ev types.Event) {
	switch sub.policy {
	case PolicyBlock:
		sub.ch <- ev
		return
	case PolicyDropNewest:
		select {
		case sub.ch <- ev:
		default:
			b.countDrop(sub, ev)
		}
		return
	default: // drop_oldest
		select {
		case sub.ch <- ev:
			return
		default:
		}
		// queue full: evict the head and admit the new event
		select {
		case <-sub.ch:
			b.countDrop(sub, ev)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.countDrop(sub, ev)
		}
	}
}

func (b *Bus) countDrop(sub *Subscription, ev types.Event) {
	sub.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.EventsDropped.WithLabelValues(ev.Venue, string(ev.Channel), string(sub.policy)).Inc()
	}
}

func (b *Bus) unsubscribe(target *Subscription) {
	key := subKey{channel: target.channel, symbol: target.symbol}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, sub := range subs {
		if sub == target {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[subKey][]*Subscription)
}
