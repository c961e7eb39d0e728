package events

import (
	"sync"
	"time"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// Handler is a named callback invoked synchronously by Publish.
type Handler func(Event)

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// Bus delivers events two ways: registered handlers run synchronously on the
// publishing goroutine, and channel subscribers receive a copy through a
// bounded buffer. Events published while nobody listens on a topic are held
// in a small backlog and flushed to the first subscriber of that topic.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string][]handlerEntry
	nextHandler  uint64
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
	clock        func() time.Time
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Subscription represents an active channel subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBus constructs a bus with sane defaults.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers:     map[string][]handlerEntry{},
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithLogger injects a logger for drop and handler-panic messages.
func WithLogger(logger Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) BusOption {
	return func(b *Bus) {
		if capacity > 0 {
			b.channelSize = capacity
		}
	}
}

// WithBacklogLimit overrides the backlog size for pre-subscription buffering.
func WithBacklogLimit(limit int) BusOption {
	return func(b *Bus) {
		if limit > 0 {
			b.backlogLimit = limit
		}
	}
}

// WithDedupeWindow controls how many recent event IDs are retained.
func WithDedupeWindow(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.dedupeWindow = size
		}
	}
}

// WithClock allows tests to control event timestamps.
func WithClock(clock func() time.Time) BusOption {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// On registers fn under topic and returns a function that removes it.
// Handlers for one topic run in registration order.
func (b *Bus) On(topic string, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	topic = normalizeTopic(topic)
	b.mu.Lock()
	b.nextHandler++
	id := b.nextHandler
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()
	return func() { b.removeHandler(topic, id) }
}

// Subscribe registers a channel subscriber for topic.
func (b *Bus) Subscribe(topic string) Subscription {
	topic = normalizeTopic(topic)
	sub := newSubscriber(b.channelSize, b.logger)
	var backlog []Event
	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = map[*subscriber]struct{}{}
	}
	b.subscribers[topic][sub] = struct{}{}
	if existing := b.backlog[topic]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(b.backlog, topic)
	}
	b.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			b.removeSubscriber(topic, sub)
		},
	}
}

// Publish delivers event to handlers and subscribers of its type and of TopicAll.
func (b *Bus) Publish(event Event) {
	event.Normalize(b.clock())
	if b.isDuplicate(event.ID) {
		return
	}
	b.mu.RLock()
	handlers := b.snapshotHandlers(event.Type)
	subs := b.snapshotSubscribers(event.Type)
	b.mu.RUnlock()
	for _, fn := range handlers {
		b.invoke(fn, event)
	}
	if len(subs) == 0 {
		if len(handlers) == 0 {
			b.bufferEvent(event.Type, event)
		}
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (b *Bus) invoke(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Printf("events: handler for %s panicked: %v", event.Type, r)
		}
	}()
	fn(event)
}

func (b *Bus) snapshotHandlers(topic string) []Handler {
	entries := append(append([]handlerEntry(nil), b.handlers[topic]...), b.handlers[TopicAll]...)
	if len(entries) == 0 {
		return nil
	}
	fns := make([]Handler, len(entries))
	for i, entry := range entries {
		fns[i] = entry.fn
	}
	return fns
}

func (b *Bus) snapshotSubscribers(topic string) []*subscriber {
	var items []*subscriber
	for _, key := range []string{topic, TopicAll} {
		for sub := range b.subscribers[key] {
			items = append(items, sub)
		}
	}
	return items
}

func (b *Bus) removeHandler(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[topic]
	for i, entry := range entries {
		if entry.id == id {
			b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}

func (b *Bus) removeSubscriber(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subscribers[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	sub.close()
}

func (b *Bus) bufferEvent(topic string, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.backlog[topic]
	if len(queue) >= b.backlogLimit {
		queue = queue[1:]
	}
	queue = append(queue, event)
	b.backlog[topic] = queue
}

func (b *Bus) isDuplicate(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.recentIDs[eventID]; ok {
		return true
	}
	b.recentIDs[eventID] = struct{}{}
	b.recentOrder = append(b.recentOrder, eventID)
	if len(b.recentOrder) > b.dedupeWindow {
		oldest := b.recentOrder[0]
		b.recentOrder = b.recentOrder[1:]
		delete(b.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	ch      chan Event
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow it keeps critical events and prefers to
// drop timer ticks.
func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// drained concurrently by the reader
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("events: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}
