package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusBuffersAndFlushes(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(4))
	first := Event{ID: "evt-1", Type: TopicResultsUpdated, WorkerID: 1}
	second := Event{ID: "evt-2", Type: TopicResultsUpdated, WorkerID: 2}
	bus.Publish(first)
	bus.Publish(second)
	sub := bus.Subscribe(TopicResultsUpdated)
	defer sub.Close()
	if got := <-sub.Events; got.ID != first.ID {
		t.Fatalf("expected first buffered event, got %s", got.ID)
	}
	if got := <-sub.Events; got.ID != second.ID {
		t.Fatalf("expected second buffered event, got %s", got.ID)
	}
}

func TestBusDedupeByEventID(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicWorkerExited)
	defer sub.Close()
	event := Event{ID: "evt-1", Type: TopicWorkerExited}
	bus.Publish(event)
	bus.Publish(event)
	select {
	case got := <-sub.Events:
		if got.ID != event.ID {
			t.Fatalf("unexpected event: %s", got.ID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestBusAssignsIDAndTime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(WithClock(func() time.Time { return now }))
	sub := bus.Subscribe(TopicAll)
	defer sub.Close()
	bus.Publish(New(" Worker.Starting ", 3))
	got := <-sub.Events
	if got.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !got.Time.Equal(now) {
		t.Fatalf("expected clock time, got %s", got.Time)
	}
	if got.Type != TopicWorkerStarting || got.WorkerID != 3 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestBusDropsOldestPreferredEventOnOverflow(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(1))
	sub := bus.Subscribe(TopicAll)
	defer sub.Close()
	bus.Publish(Event{ID: "evt-1", Type: TopicWorkerTimer})
	bus.Publish(Event{ID: "evt-2", Type: TopicResultsUpdated})
	if got := <-sub.Events; got.ID != "evt-2" {
		t.Fatalf("expected timer tick to be dropped, got %s", got.ID)
	}
}

func TestBusDropsIncomingWhenOldestCritical(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(1))
	sub := bus.Subscribe(TopicAll)
	defer sub.Close()
	bus.Publish(Event{ID: "evt-1", Type: TopicPoolStopped})
	bus.Publish(Event{ID: "evt-2", Type: TopicResultsUpdated})
	if got := <-sub.Events; got.ID != "evt-1" {
		t.Fatalf("expected critical event to remain, got %s", got.ID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestBusHandlersRunInOrderAndCancel(t *testing.T) {
	bus := NewBus()
	var calls []string
	cancelA := bus.On(TopicWorkerTimer, func(Event) { calls = append(calls, "a") })
	bus.On(TopicWorkerTimer, func(Event) { calls = append(calls, "b") })
	bus.On(TopicAll, func(Event) { calls = append(calls, "all") })

	bus.Publish(New(TopicWorkerTimer, 0))
	cancelA()
	bus.Publish(New(TopicWorkerTimer, 0))

	want := []string{"a", "b", "all", "b", "all"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestBusHandlerEventsAreNotBacklogged(t *testing.T) {
	bus := NewBus()
	bus.On(TopicWorkerTimer, func(Event) {})
	bus.Publish(New(TopicWorkerTimer, 1))
	sub := bus.Subscribe(TopicWorkerTimer)
	defer sub.Close()
	select {
	case got := <-sub.Events:
		t.Fatalf("handled event should not be buffered, got %+v", got)
	default:
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines int
}

func (l *recordingLogger) Printf(string, ...any) {
	l.mu.Lock()
	l.lines++
	l.mu.Unlock()
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	logger := &recordingLogger{}
	bus := NewBus(WithLogger(logger))
	reached := false
	bus.On(TopicWorkerExited, func(Event) { panic("boom") })
	bus.On(TopicWorkerExited, func(Event) { reached = true })
	bus.Publish(New(TopicWorkerExited, 2))
	if !reached {
		t.Fatalf("expected second handler to run after panic")
	}
	if logger.lines != 1 {
		t.Fatalf("expected panic to be logged once, got %d", logger.lines)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicAll)
	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel")
	}
	bus.Publish(New(TopicPoolStarted, 0))
}
