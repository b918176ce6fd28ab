package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/nodeflow/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Slow subscribers lose events rather
// than block publishers.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // runID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish delivers event to the subscribers of its run and to every
// global subscriber whose filter accepts it. Events published after Close
// are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.subscribe(runID, false, nil)
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	return b.subscribe("", true, nil)
}

// SubscribeFiltered registers a global subscriber that only receives
// events accepted by filter.
func (b *MemBus) SubscribeFiltered(filter Filter) Subscription {
	return b.subscribe("", true, filter)
}

func (b *MemBus) subscribe(runID string, global bool, filter Filter) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{
		ch:     make(chan runtime.Event, b.bufSize),
		filter: filter,
	}
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(runID, global, sub) }
	if global {
		b.globalSubs = append(b.globalSubs, sub)
	} else {
		b.subs[runID] = append(b.subs[runID], sub)
	}
	return sub
}

func (b *MemBus) remove(runID string, global bool, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if global {
		b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == sub })
		return
	}
	remaining := slices.DeleteFunc(b.subs[runID], func(s *memSub) bool { return s == sub })
	if len(remaining) == 0 {
		delete(b.subs, runID)
	} else {
		b.subs[runID] = remaining
	}
}

// SubscriberCount returns the number of open subscriptions.
func (b *MemBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.globalSubs)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

type memSub struct {
	ch     chan runtime.Event
	filter Filter
	detach func()

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send drops the event when the subscription is closed, filtered or full.
func (s *memSub) send(event runtime.Event) {
	if s.filter != nil && !s.filter(event) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
