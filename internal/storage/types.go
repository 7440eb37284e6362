package storage

import (
	"errors"
	"time"

	"qurandaily/internal/corpus"
)

var (
	// ErrNotFound means the subscriber row does not exist. It is distinct
	// from storage-layer failures; callers must not conflate the two.
	ErrNotFound = errors.New("subscriber not found")

	// ErrNotMonotonic means an Advance would have moved a subscriber's
	// position backwards. Normal operation never does this; use
	// ResetProgress for administrative rewinds.
	ErrNotMonotonic = errors.New("position would move backwards")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Subscriber is one durable record. Position is the NEXT verse to send,
// not the last one sent. Records are never hard-deleted; progress survives
// unsubscribe/resubscribe cycles.
type Subscriber struct {
	UserID   int64
	ChatID   int64
	Position corpus.Position
	Active   bool

	// Completed is set when Position reached the exhausted sentinel.
	// NoticeSent is set after the one-time completion message went out.
	Completed  bool
	NoticeSent bool

	CreatedAt  time.Time
	LastSentAt time.Time // zero if never sent

	RequestsToday  int
	LastRequestDay string // calendar day in the bot timezone, "2006-01-02"
}
