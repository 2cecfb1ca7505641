package main

import (
	"context"
	"log/slog"

	"github.com/basket/goprobe/internal/audit"
	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/persistence"
)

type checkinRecorder interface {
	RecordCheckin(ctx context.Context, rec persistence.CheckinRecord) error
}

// recordEvents keeps check-in bookkeeping and the credential audit trail in
// sync with the bus until events is closed.
func recordEvents(ctx context.Context, store checkinRecorder, events <-chan bus.Event, logger *slog.Logger) {
	for ev := range events {
		recordEvent(ctx, store, ev, logger)
	}
}

func recordEvent(ctx context.Context, store checkinRecorder, ev bus.Event, logger *slog.Logger) {
	switch p := ev.Payload.(type) {
	case bus.CycleEvent:
		if ev.Topic == bus.TopicCycleSkipped {
			return
		}
		rec := persistence.CheckinRecord{
			TraceID:   p.TraceID,
			Outcome:   checkinOutcome(ev.Topic, p),
			Error:     p.Err,
			Fetched:   p.Fetched,
			Submitted: p.Submitted,
			At:        ev.At,
		}
		if err := store.RecordCheckin(ctx, rec); err != nil {
			logger.Warn("record check-in", "error", err)
		}
	case bus.IdentityEvent:
		switch ev.Topic {
		case bus.TopicIdentityEnrolled:
			audit.Record(audit.EventEnrolled, p.HostIdentifier, p.Reason, "")
		case bus.TopicIdentityCleared:
			audit.Record(audit.EventCleared, p.HostIdentifier, p.Reason, "")
		}
	case bus.EngineRebuiltEvent:
		logger.Info("engine rebuilt", "reason", p.Reason, "fault", p.Err)
	}
}

func checkinOutcome(topic string, ev bus.CycleEvent) string {
	switch {
	case topic == bus.TopicCycleAborted:
		return "aborted"
	case ev.Err != "":
		return "failed"
	case ev.Submitted:
		return "submitted"
	default:
		return "empty"
	}
}
