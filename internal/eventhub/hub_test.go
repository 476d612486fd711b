package eventhub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHubFansOut(t *testing.T) {
	hub := New(context.Background())
	a, b := &Recorder{}, &Recorder{}
	hub.SetBroadcaster(a)
	hub.SetBroadcaster(b)

	hub.EmitCheckpointCreated(CheckpointCreatedEvent{CheckpointID: "CP000001", Type: "MANUAL"})
	hub.EmitRecoveryCompleted(RecoveryCompletedEvent{SourceID: "CP000001", RecoveryID: "CP000002"})

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, 1, r.Count(CheckpointCreated))
		assert.Equal(t, 1, r.Count(RecoveryCompleted))
		assert.Len(t, r.Events(), 2)
	}
}

func TestHubStopsAfterContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := New(ctx)
	rec := &Recorder{}
	hub.SetBroadcaster(rec)

	cancel()
	hub.Emit("anything", nil)
	assert.Empty(t, rec.Events())
}

func TestNilHubDropsEvents(t *testing.T) {
	var hub *EventHub
	assert.NotPanics(t, func() {
		hub.EmitHandoffCompleted(HandoffCompletedEvent{CheckpointID: "CP000003"})
	})
}

func TestLogBroadcaster(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	hub := New(context.Background())
	hub.SetBroadcaster(LogBroadcaster{Logger: zap.New(core)})

	hub.EmitStorageDegraded(StorageDegradedEvent{Degraded: true, Reason: "ceiling"})

	entries := logs.FilterMessage("event").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, StorageDegraded, entries[0].ContextMap()["type"])
	}
}
