// Package store records the clickstream: tracked navigations and the
// predictions served for them. The visit table is what the offline dataset
// preparation trains on.
package store

import (
	"context"
	"time"
)

type Visit struct {
	SessionID string
	UserID    string
	Route     string
	Timestamp time.Time
}

type Prediction struct {
	ID        string
	SessionID string
	// Context is the window the prediction was made from, oldest first.
	Context   []string
	Routes    []string
	Source    string
	Latency   time.Duration
	CreatedAt time.Time
}

// Store is a clickstream sink.
//
// Implementations must be thread-safe!
type Store interface {
	SaveVisit(ctx context.Context, v Visit) error
	SavePrediction(ctx context.Context, p Prediction) error
	// Visits calls cb for every visit at or after since, ordered by session and time.
	Visits(ctx context.Context, since time.Time, cb func(Visit) error) error
	Close() error
}
