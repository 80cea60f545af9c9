package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no item has the given ID
	ErrNotFound = errors.New("queue item not found")
	// ErrTerminal is returned when an item is sent or cancelled
	ErrTerminal = errors.New("queue item is in a terminal state")
	// ErrNotPending is returned when an operation needs a pending item
	ErrNotPending = errors.New("queue item is not pending")
	// ErrInFlight is returned when an item is leased by a worker
	ErrInFlight = errors.New("queue item is being delivered")
	// ErrLeaseLost is returned when the caller no longer holds the item's lease
	ErrLeaseLost = errors.New("queue item lease lost")
)

// Queue defines the delivery queue operations
type Queue interface {
	// Enqueue inserts a pending item
	Enqueue(ctx context.Context, d Draft) (*Item, error)

	// EnqueueBatch inserts all drafts or none
	EnqueueBatch(ctx context.Context, drafts []Draft) ([]*Item, error)

	// Apply cancels chains and inserts drafts in one transaction
	Apply(ctx context.Context, b Batch) (*BatchResult, error)

	// ClaimDue leases up to limit due pending items,
	// highest priority first, then earliest scheduled
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Item, error)

	// MarkSent records a successful delivery of a leased item
	MarkSent(ctx context.Context, id, token string, sentAt time.Time) error

	// MarkFailed records a failed attempt and either reschedules or fails the item
	MarkFailed(ctx context.Context, id, token, reason string, permanent bool, now time.Time) (*Item, error)

	// Defer releases a lease and reschedules without consuming a retry
	Defer(ctx context.Context, id, token string, until time.Time) error

	// Cancel cancels a pending item that is not leased
	Cancel(ctx context.Context, id string) error

	// Retry makes a failed or pending item due at now
	Retry(ctx context.Context, id string, now time.Time) (*Item, error)

	// Get retrieves an item by ID, nil if absent
	Get(ctx context.Context, id string) (*Item, error)

	// List returns items matching the filter, newest first
	List(ctx context.Context, filter ListFilter) ([]*Item, error)

	// Range returns items created in [from, to)
	Range(ctx context.Context, from, to time.Time) ([]*Item, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// HasActiveChain reports whether the escalation chain has pending items
	HasActiveChain(ctx context.Context, ruleID, entityID string) (bool, error)

	// CancelChain cancels the chain's pending, unleased items
	CancelChain(ctx context.Context, ruleID, entityID string) (int, error)

	// HasPendingForRule reports whether any pending item references the rule
	HasPendingForRule(ctx context.Context, ruleID string) (bool, error)

	// Close closes the storage connection
	Close() error
}
