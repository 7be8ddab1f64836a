package broadcast

import (
	"sync"
)

// orderHistorySize bounds the order-update replay buffer for new clients.
const orderHistorySize = 50

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing messages.
const subscriberBuffer = 256

// Broadcaster fans events out to subscribers without ever blocking the
// sender. Stateful events (config, info, latest summary, grid state,
// market update) and a short order history are cached so late joiners get
// a full picture immediately.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	lastConfig    *Event
	lastInfo      *Event
	lastSummary   *Event
	lastGridState *Event
	lastMarket    *Event
	orderHistory  []Event

	dropped uint64
}

// NewBroadcaster builds an empty hub.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Send publishes one event. Never blocks: subscribers with full buffers
// miss the message.
func (b *Broadcaster) Send(eventType string, data any) {
	event := Event{Type: eventType, Data: data}

	b.mu.Lock()
	switch eventType {
	case EventConfig:
		b.lastConfig = &event
	case EventInfo:
		b.lastInfo = &event
	case EventSpotGridSummary, EventPerpGridSummary:
		b.lastSummary = &event
	case EventGridState:
		b.lastGridState = &event
	case EventMarketUpdate:
		b.lastMarket = &event
	case EventOrderUpdate:
		if len(b.orderHistory) >= orderHistorySize {
			b.orderHistory = b.orderHistory[1:]
		}
		b.orderHistory = append(b.orderHistory, event)
	}

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe func. The channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// ReplayState returns the cached events a new client should receive on
// connect: config, info, latest summary, grid state, market update, then
// the recent order history.
func (b *Broadcaster) ReplayState() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, cached := range []*Event{b.lastConfig, b.lastInfo, b.lastSummary, b.lastGridState, b.lastMarket} {
		if cached != nil {
			out = append(out, *cached)
		}
	}
	out = append(out, b.orderHistory...)
	return out
}

// LastSummary returns the cached summary event, if any.
func (b *Broadcaster) LastSummary() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastSummary == nil {
		return nil
	}
	event := *b.lastSummary
	return &event
}

// Dropped reports how many messages were lost to slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
