// Package models provides data model definitions for the edge event store.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category tags the kind of event and selects its local table and payload schema.
type Category string

const (
	CategoryDetection          Category = "detection"
	CategoryQuery              Category = "query"
	CategoryLog                Category = "log"
	CategoryHeartbeat          Category = "heartbeat"
	CategoryAdaptiveVocabulary Category = "adaptive_vocabulary"
)

// Categories lists every category in sync order.
var Categories = []Category{
	CategoryDetection,
	CategoryQuery,
	CategoryLog,
	CategoryHeartbeat,
	CategoryAdaptiveVocabulary,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// TableName returns the local append-only table holding events of this category.
func (c Category) TableName() string {
	return "events_" + string(c)
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// SyncState tracks whether the remote store has acknowledged a record.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// EventRecord is one durable unit of captured data.
type EventRecord struct {
	ID           int64           `db:"id" json:"id"`
	Category     Category        `db:"-" json:"category"`
	DeviceID     string          `db:"device_id" json:"device_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    int64           `db:"created_at" json:"created_at"` // unix millis, producer clock
	CommittedAt  int64           `db:"committed_at" json:"committed_at"`
	SyncState    SyncState       `db:"sync_state" json:"sync_state"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	SyncedAt     int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *EventRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// Decode unmarshals the payload into the typed variant for the record's category.
func (r *EventRecord) Decode() (Payload, error) {
	return DecodePayload(r.Category, r.Payload)
}

// RemoteRow is the shape written to the remote store for one event.
type RemoteRow struct {
	DeviceID  string          `json:"device_id" dynamodbav:"device_id"`
	EventKey  string          `json:"event_key" dynamodbav:"event_key"`
	Category  Category        `json:"category" dynamodbav:"category"`
	LocalID   int64           `json:"local_id" dynamodbav:"local_id"`
	CreatedAt int64           `json:"created_at" dynamodbav:"created_at"`
	Payload   json.RawMessage `json:"payload" dynamodbav:"-"`
	Body      string          `json:"-" dynamodbav:"payload"`
}

// EventKey builds the remote sort key for a record. Zero padding keeps
// lexical order equal to id order within a category.
func EventKey(c Category, id int64) string {
	return fmt.Sprintf("%s#%019d", c, id)
}

// ToRemote maps a local record to its remote row.
func (r *EventRecord) ToRemote() RemoteRow {
	return RemoteRow{
		DeviceID:  r.DeviceID,
		EventKey:  EventKey(r.Category, r.ID),
		Category:  r.Category,
		LocalID:   r.ID,
		CreatedAt: r.CreatedAt,
		Payload:   r.Payload,
		Body:      string(r.Payload),
	}
}

// RemoteSize returns the encoded size of the record as sent to the remote store.
func (r *EventRecord) RemoteSize() int {
	data, err := json.Marshal(r.ToRemote())
	if err != nil {
		return len(r.Payload)
	}
	return len(data)
}
