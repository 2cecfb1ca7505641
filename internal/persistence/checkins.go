package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CheckinRecord summarizes the most recent check-in cycle. Only the latest one
// is kept; query results are never stored.
type CheckinRecord struct {
	TraceID   string    `json:"trace_id"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Fetched   int       `json:"fetched"`
	Submitted bool      `json:"submitted"`
	At        time.Time `json:"at"`
}

func (s *Store) RecordCheckin(ctx context.Context, rec CheckinRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkin record: %w", err)
	}
	if err := s.KVSet(ctx, KeyLastCheckinResult, string(raw)); err != nil {
		return err
	}
	return s.KVSet(ctx, KeyLastCheckinAt, rec.At.UTC().Format(time.RFC3339))
}

// LastCheckin returns the latest record, or nil if the agent never checked in.
func (s *Store) LastCheckin(ctx context.Context) (*CheckinRecord, error) {
	raw, err := s.KVGet(ctx, KeyLastCheckinResult)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var rec CheckinRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode checkin record: %w", err)
	}
	return &rec, nil
}
