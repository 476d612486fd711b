package eventhub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Broadcaster delivers lifecycle events to a listener.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub fans checkpoint lifecycle events out to the registered broadcasters.
// A nil *EventHub is valid and drops every event.
type EventHub struct {
	ctx          context.Context
	mu           sync.RWMutex
	broadcasters []Broadcaster
}

// New creates a new EventHub
func New(ctx context.Context) *EventHub {
	return &EventHub{ctx: ctx}
}

// SetBroadcaster adds a broadcaster.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasters = append(h.broadcasters, b)
}

// emit sends to every broadcaster unless the hub's context is done.
func (h *EventHub) emit(eventName string, payload interface{}) {
	if h == nil {
		return
	}
	if h.ctx != nil && h.ctx.Err() != nil {
		return
	}
	h.mu.RLock()
	targets := append([]Broadcaster(nil), h.broadcasters...)
	h.mu.RUnlock()
	for _, b := range targets {
		b.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event.
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// Event names.
const (
	CheckpointCreated   = "checkpoint:created"
	CheckpointValidated = "checkpoint:validated"
	CheckpointPruned    = "checkpoint:pruned"
	RecoveryCompleted   = "recovery:completed"
	HandoffCompleted    = "handoff:completed"
	StorageDegraded     = "storage:degraded"
)

type CheckpointCreatedEvent struct {
	CheckpointID string    `json:"checkpointId"`
	Type         string    `json:"type"`
	Trigger      string    `json:"trigger"`
	Files        int       `json:"files"`
	FailedFiles  int       `json:"failedFiles"`
	SizeBytes    int64     `json:"sizeBytes"`
	Timestamp    time.Time `json:"timestamp"`
}

func (h *EventHub) EmitCheckpointCreated(event CheckpointCreatedEvent) {
	h.emit(CheckpointCreated, event)
}

type CheckpointValidatedEvent struct {
	CheckpointID string `json:"checkpointId"`
	Status       string `json:"status"`
	Issues       int    `json:"issues"`
	Warnings     int    `json:"warnings"`
}

func (h *EventHub) EmitCheckpointValidated(event CheckpointValidatedEvent) {
	h.emit(CheckpointValidated, event)
}

type CheckpointPrunedEvent struct {
	Deleted     []string `json:"deleted"`
	FreedBytes  int64    `json:"freedBytes"`
	BlobsSwept  int      `json:"blobsSwept"`
	Utilization float64  `json:"utilization"`
}

func (h *EventHub) EmitCheckpointPruned(event CheckpointPrunedEvent) {
	h.emit(CheckpointPruned, event)
}

type RecoveryCompletedEvent struct {
	SourceID      string   `json:"sourceId"`
	RecoveryID    string   `json:"recoveryId"`
	FilesRestored int      `json:"filesRestored"`
	Warnings      []string `json:"warnings"`
}

func (h *EventHub) EmitRecoveryCompleted(event RecoveryCompletedEvent) {
	h.emit(RecoveryCompleted, event)
}

type HandoffCompletedEvent struct {
	CheckpointID string `json:"checkpointId"`
	Reason       string `json:"reason"`
	Type         string `json:"type"`
}

func (h *EventHub) EmitHandoffCompleted(event HandoffCompletedEvent) {
	h.emit(HandoffCompleted, event)
}

type StorageDegradedEvent struct {
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

func (h *EventHub) EmitStorageDegraded(event StorageDegradedEvent) {
	h.emit(StorageDegraded, event)
}

// LogBroadcaster writes every event to a zap logger.
type LogBroadcaster struct {
	Logger *zap.Logger
}

func (b LogBroadcaster) BroadcastEvent(eventType string, payload interface{}) {
	b.Logger.Info("event", zap.String("type", eventType), zap.Any("payload", payload))
}

// Recorded is one captured event.
type Recorded struct {
	Type    string
	Payload interface{}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func (r *Recorder) BroadcastEvent(eventType string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: eventType, Payload: payload})
}

// Events returns a copy of the captured events.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Count returns how many events of eventType were captured.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
