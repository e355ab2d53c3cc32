// Package store holds the voice bridge's persistence: durable call
// records in Postgres and per-user message feeds behind a pluggable
// driver interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("store: not found")

// CallRecord is the durable row for one call
type CallRecord struct {
	CallID      string
	UserID      string
	ToNumber    string
	ProviderSID string
	State       string
	Outcome     string
	Transcript  string
	Summary     string
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    float64 // seconds
}

// CallStore persists call lifecycle records
type CallStore interface {
	// CreateCall inserts the initial record when a call is requested.
	CreateCall(ctx context.Context, rec *CallRecord) error
	// UpdateCallState records an intermediate state transition and,
	// once known, the provider SID.
	UpdateCallState(ctx context.Context, callID, state, providerSID string) error
	// FinalizeCall writes the terminal state, outcome, transcript,
	// summary and duration.
	FinalizeCall(ctx context.Context, rec *CallRecord) error
}

// FeedMessage is one entry in a user's message feed
type FeedMessage struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedStore delivers call summaries to the requesting user's feed
type FeedStore interface {
	// Append adds a message to the user's feed.
	Append(ctx context.Context, userID string, msg FeedMessage) error
	// List returns the user's most recent messages, newest first.
	List(ctx context.Context, userID string, limit int) ([]FeedMessage, error)
}
