// Package events is the in-process notification bus shared by the worker
// supervisors, the pool manager and the front ends.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topics published by srdesk. Subscribing to TopicAll receives every event.
const (
	TopicAll = "*"

	TopicWorkerStarting = "worker.starting"
	TopicWorkerTimer    = "worker.timer"
	TopicWorkerExited   = "worker.exited"
	TopicWorkerFailed   = "worker.failed"
	TopicWorkerStopped  = "worker.stopped"

	TopicResultsUpdated    = "results.updated"
	TopicResultsParseError = "results.parse_error"

	TopicPoolStarted = "pool.started"
	TopicPoolPaused  = "pool.paused"
	TopicPoolResumed = "pool.resumed"
	TopicPoolStopped = "pool.stopped"
)

// Event is a single notification.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Session  string    `json:"session,omitempty"`
	WorkerID int       `json:"worker_id"`
	Count    int       `json:"count,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// New builds an event of the given type for a worker.
func New(kind string, workerID int) Event {
	return Event{Type: kind, WorkerID: workerID}
}

// Normalize fills in the id and timestamp and canonicalises the type.
func (e *Event) Normalize(now time.Time) {
	if e == nil {
		return
	}
	e.Type = normalizeTopic(e.Type)
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		if now.IsZero() {
			now = time.Now()
		}
		e.Time = now.UTC()
	}
}

// Logger records bus diagnostics. logbook.Logbook satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(strings.ToLower(topic))
}

func isCriticalEvent(kind string) bool {
	switch normalizeTopic(kind) {
	case TopicWorkerFailed, TopicWorkerStopped, TopicPoolStopped:
		return true
	}
	return false
}

func isPreferredDrop(kind string) bool {
	return normalizeTopic(kind) == TopicWorkerTimer
}
