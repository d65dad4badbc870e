// Package notify is the Notification Channel: a best-effort broadcast of
// reconciled records to live UI contexts.
//
// Nothing is queued for absent subscribers. The persistent store remains
// the source of truth, so a missed event only means the record shows up on
// the next full reload instead of live.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event actions.
const (
	// ActionAddRecord appends one confirmed review to the displayed list.
	ActionAddRecord = "add-record"
	// ActionUpdateRecord replaces a displayed restaurant after a queued
	// favorite toggle was confirmed.
	ActionUpdateRecord = "update-record"
)

// Event is one notification.
type Event struct {
	// ID is unique per published event (UUIDv7).
	ID string `json:"id"`

	// Action tells the subscriber what to do with Record.
	Action string `json:"action"`

	// Record is the server-confirmed record.
	Record json.RawMessage `json:"record"`

	// Replaces is the local identifier the record supersedes, if any.
	Replaces int64 `json:"replaces,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(action string, record any, replaces int64) (Event, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s record: %w", action, err)
	}
	return Event{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Action:   action,
		Record:   raw,
		Replaces: replaces,
	}, nil
}

// RecordID returns the "id" member of the record, or 0.
func (e Event) RecordID() int64 {
	var head struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(e.Record, &head); err != nil {
		return 0
	}
	return head.ID
}
