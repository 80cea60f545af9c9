package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketItems   = []byte("queue_items")
	bucketDue     = []byte("queue_due")
	bucketCreated = []byte("queue_created")
)

const defaultPriority = 3

// Options contains storage behaviour settings
type Options struct {
	LeaseTimeout time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// BoltStorage implements Queue interface using BoltDB
type BoltStorage struct {
	db   *bolt.DB
	opts Options
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string, opts Options) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketItems, bucketDue, bucketCreated} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}

	return &BoltStorage{db: db, opts: opts}, nil
}

// Enqueue adds a pending item to the queue
func (s *BoltStorage) Enqueue(ctx context.Context, d Draft) (*Item, error) {
	items, err := s.EnqueueBatch(ctx, []Draft{d})
	if err != nil {
		return nil, err
	}
	return items[0], nil
}

// EnqueueBatch adds all drafts in a single transaction
func (s *BoltStorage) EnqueueBatch(ctx context.Context, drafts []Draft) ([]*Item, error) {
	res, err := s.Apply(ctx, Batch{Drafts: drafts})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Apply cancels the listed chains and inserts the drafts in one
// transaction. On error nothing is changed.
func (s *BoltStorage) Apply(ctx context.Context, b Batch) (*BatchResult, error) {
	for i := range b.Drafts {
		if err := b.Drafts[i].validate(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	items := make([]*Item, 0, len(b.Drafts))
	for _, d := range b.Drafts {
		items = append(items, newItem(d, now))
	}

	res := &BatchResult{Items: items, Cancelled: make(map[ChainKey]int, len(b.Cancel))}
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, key := range b.Cancel {
			n, err := cancelChain(tx, key, now)
			if err != nil {
				return err
			}
			res.Cancelled[key] = n
		}
		for _, item := range items {
			if err := insertItem(tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func newItem(d Draft, now time.Time) *Item {
	priority := d.Priority
	if priority <= 0 {
		priority = defaultPriority
	}
	return &Item{
		ID:             uuid.New().String(),
		RuleID:         d.RuleID,
		RuleKind:       d.RuleKind,
		Step:           d.Step,
		EntityID:       d.EntityID,
		RecipientType:  d.RecipientType,
		RecipientID:    d.RecipientID,
		RecipientEmail: d.RecipientEmail,
		RecipientPhone: d.RecipientPhone,
		Channel:        d.Channel,
		Subject:        d.Subject,
		Content:        d.Content,
		Status:         StatusPending,
		Priority:       priority,
		ScheduledFor:   d.ScheduledFor,
		MaxRetries:     d.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func insertItem(tx *bolt.Tx, item *Item) error {
	if err := putItem(tx, item); err != nil {
		return err
	}
	if err := tx.Bucket(bucketDue).Put(indexKey(item.ScheduledFor, item.ID), []byte(item.ID)); err != nil {
		return fmt.Errorf("failed to add to due index: %w", err)
	}
	if err := tx.Bucket(bucketCreated).Put(indexKey(item.CreatedAt, item.ID), []byte(item.ID)); err != nil {
		return fmt.Errorf("failed to add to created index: %w", err)
	}
	return nil
}

// ClaimDue leases due pending items to the caller
func (s *BoltStorage) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*Item

	err := s.db.Update(func(tx *bolt.Tx) error {
		due := tx.Bucket(bucketDue)
		var stale [][]byte
		var candidates []*Item

		c := due.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if timeFromKey(k).After(now) {
				break // All remaining are in the future
			}

			item, err := getItem(tx, string(v))
			if err != nil {
				return err
			}
			if item == nil || item.Status != StatusPending {
				stale = append(stale, bytes.Clone(k))
				continue
			}
			if item.Leased(now) {
				continue
			}
			candidates = append(candidates, item)
		}

		for _, k := range stale {
			if err := due.Delete(k); err != nil {
				return err
			}
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].ScheduledFor.Before(candidates[j].ScheduledFor)
		})
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, item := range candidates {
			item.LeaseToken = uuid.New().String()
			item.LeaseExpiresAt = now.Add(s.opts.LeaseTimeout)
			item.UpdatedAt = now
			if err := putItem(tx, item); err != nil {
				return err
			}
		}

		claimed = candidates
		return nil
	})

	return claimed, err
}

// MarkSent records a successful delivery
func (s *BoltStorage) MarkSent(ctx context.Context, id, token string, sentAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := leasedItem(tx, id, token)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketDue).Delete(indexKey(item.ScheduledFor, item.ID)); err != nil {
			return err
		}

		item.Status = StatusSent
		item.SentAt = &sentAt
		item.UpdatedAt = sentAt
		releaseLease(item)

		return putItem(tx, item)
	})
}

// MarkFailed records a failed attempt. Transient failures with retries left
// are rescheduled with exponential backoff, anything else fails the item.
func (s *BoltStorage) MarkFailed(ctx context.Context, id, token, reason string, permanent bool, now time.Time) (*Item, error) {
	var result *Item

	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := leasedItem(tx, id, token)
		if err != nil {
			return err
		}

		due := tx.Bucket(bucketDue)
		if err := due.Delete(indexKey(item.ScheduledFor, item.ID)); err != nil {
			return err
		}

		if reason == "" {
			reason = "delivery failed"
		}
		item.FailureReason = reason
		item.UpdatedAt = now
		releaseLease(item)

		if !permanent && item.RetryCount < item.MaxRetries {
			backoff := Backoff(s.opts.BaseBackoff, s.opts.MaxBackoff, item.RetryCount)
			item.RetryCount++
			item.ScheduledFor = now.Add(backoff)
			if err := due.Put(indexKey(item.ScheduledFor, item.ID), []byte(item.ID)); err != nil {
				return fmt.Errorf("failed to add to due index: %w", err)
			}
		} else {
			item.Status = StatusFailed
			item.FailedAt = &now
			item.Permanent = permanent
		}

		result = item
		return putItem(tx, item)
	})

	return result, err
}

// Defer releases the lease and moves the item to until
func (s *BoltStorage) Defer(ctx context.Context, id, token string, until time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := leasedItem(tx, id, token)
		if err != nil {
			return err
		}
		return reschedule(tx, item, until)
	})
}

// Cancel cancels a pending item that no worker holds
func (s *BoltStorage) Cancel(ctx context.Context, id string) error {
	now := time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrNotFound
		}
		if err := checkPending(item); err != nil {
			return err
		}
		if item.Leased(now) {
			return ErrInFlight
		}
		return cancelItem(tx, item, now)
	})
}

// Retry makes the item due at now. Failed items get a fresh retry budget.
func (s *BoltStorage) Retry(ctx context.Context, id string, now time.Time) (*Item, error) {
	var result *Item

	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrNotFound
		}

		switch {
		case item.Status.Terminal():
			return ErrTerminal
		case item.Status == StatusFailed:
			item.Status = StatusPending
			item.RetryCount = 0
			item.FailedAt = nil
			item.FailureReason = ""
			item.Permanent = false
		case item.Leased(now):
			return ErrInFlight
		}

		result = item
		return reschedule(tx, item, now)
	})

	return result, err
}

// Get retrieves an item by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Item, error) {
	var item *Item

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, id)
		return err
	})

	return item, err
}

// List returns items matching the filter, newest first
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	var items []*Item

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCreated).Cursor()

		count := 0
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			item, err := getItem(tx, string(v))
			if err != nil || item == nil {
				continue
			}

			if filter.Status != "" && item.Status != filter.Status {
				continue
			}
			if filter.Channel != "" && item.Channel != filter.Channel {
				continue
			}
			if filter.RuleID != "" && item.RuleID != filter.RuleID {
				continue
			}
			if filter.EntityID != "" && item.EntityID != filter.EntityID {
				continue
			}
			if filter.Search != "" && !item.matchesSearch(filter.Search) {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			items = append(items, item)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return items, err
}

// Range returns items created in [from, to), oldest first
func (s *BoltStorage) Range(ctx context.Context, from, to time.Time) ([]*Item, error) {
	var items []*Item

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCreated).Cursor()
		end := timeKey(to)

		for k, v := c.Seek(timeKey(from)); k != nil && bytes.Compare(k[:8], end) < 0; k, v = c.Next() {
			item, err := getItem(tx, string(v))
			if err != nil {
				return err
			}
			if item != nil {
				items = append(items, item)
			}
		}
		return nil
	})

	return items, err
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return nil
			}

			stats.Total++
			switch item.Status {
			case StatusPending:
				stats.Pending++
				if item.Leased(now) {
					stats.Leased++
				} else if !item.ScheduledFor.After(now) {
					stats.Due++
				}
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			case StatusCancelled:
				stats.Cancelled++
			}
			return nil
		})
	})

	return stats, err
}

// HasActiveChain reports whether the rule has pending items for the entity
func (s *BoltStorage) HasActiveChain(ctx context.Context, ruleID, entityID string) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPending(tx, func(item *Item) bool {
			if item.RuleID == ruleID && item.EntityID == entityID {
				found = true
				return false
			}
			return true
		})
	})

	return found, err
}

// CancelChain cancels the unfired items of an escalation chain.
// Items currently leased by a worker are left to finish.
func (s *BoltStorage) CancelChain(ctx context.Context, ruleID, entityID string) (int, error) {
	cancelled := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := cancelChain(tx, ChainKey{RuleID: ruleID, EntityID: entityID}, time.Now())
		cancelled = n
		return err
	})
	return cancelled, err
}

func cancelChain(tx *bolt.Tx, key ChainKey, now time.Time) (int, error) {
	var chain []*Item
	err := forEachPending(tx, func(item *Item) bool {
		if item.RuleID == key.RuleID && item.EntityID == key.EntityID && !item.Leased(now) {
			chain = append(chain, item)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, item := range chain {
		if err := cancelItem(tx, item, now); err != nil {
			return 0, err
		}
	}
	return len(chain), nil
}

// HasPendingForRule reports whether any pending item references the rule
func (s *BoltStorage) HasPendingForRule(ctx context.Context, ruleID string) (bool, error) {
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachPending(tx, func(item *Item) bool {
			if item.RuleID == ruleID {
				found = true
				return false
			}
			return true
		})
	})

	return found, err
}

// CleanupFinished deletes sent, failed and cancelled items
// last updated before now minus maxAge
func (s *BoltStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		created := tx.Bucket(bucketCreated)
		var victims []*Item

		c := created.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if timeFromKey(k).After(cutoff) {
				break
			}
			item, err := getItem(tx, string(v))
			if err != nil {
				return err
			}
			if item == nil || item.Status == StatusPending || item.UpdatedAt.After(cutoff) {
				continue
			}
			victims = append(victims, item)
		}

		for _, item := range victims {
			if err := created.Delete(indexKey(item.CreatedAt, item.ID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketItems).Delete([]byte(item.ID)); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Backoff returns base * 2^retryCount, capped at max
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	backoff := base
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func getItem(tx *bolt.Tx, id string) (*Item, error) {
	data := tx.Bucket(bucketItems).Get([]byte(id))
	if data == nil {
		return nil, nil
	}

	item := &Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %s: %w", id, err)
	}
	return item, nil
}

func putItem(tx *bolt.Tx, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := tx.Bucket(bucketItems).Put([]byte(item.ID), data); err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}
	return nil
}

// leasedItem loads an item that the holder of token may report on
func leasedItem(tx *bolt.Tx, id, token string) (*Item, error) {
	item, err := getItem(tx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrNotFound
	}
	if err := checkPending(item); err != nil {
		return nil, err
	}
	if token == "" || item.LeaseToken != token {
		return nil, ErrLeaseLost
	}
	return item, nil
}

func checkPending(item *Item) error {
	if item.Status.Terminal() {
		return ErrTerminal
	}
	if item.Status != StatusPending {
		return ErrNotPending
	}
	return nil
}

func reschedule(tx *bolt.Tx, item *Item, at time.Time) error {
	due := tx.Bucket(bucketDue)
	if err := due.Delete(indexKey(item.ScheduledFor, item.ID)); err != nil {
		return err
	}

	item.ScheduledFor = at
	item.UpdatedAt = time.Now()
	releaseLease(item)

	if err := due.Put(indexKey(item.ScheduledFor, item.ID), []byte(item.ID)); err != nil {
		return fmt.Errorf("failed to add to due index: %w", err)
	}
	return putItem(tx, item)
}

func cancelItem(tx *bolt.Tx, item *Item, now time.Time) error {
	if err := tx.Bucket(bucketDue).Delete(indexKey(item.ScheduledFor, item.ID)); err != nil {
		return err
	}
	item.Status = StatusCancelled
	item.UpdatedAt = now
	releaseLease(item)
	return putItem(tx, item)
}

func releaseLease(item *Item) {
	item.LeaseToken = ""
	item.LeaseExpiresAt = time.Time{}
}

// forEachPending walks the due index until fn returns false
func forEachPending(tx *bolt.Tx, fn func(*Item) bool) error {
	c := tx.Bucket(bucketDue).Cursor()
	for _, v := c.First(); v != nil; _, v = c.Next() {
		item, err := getItem(tx, string(v))
		if err != nil {
			return err
		}
		if item == nil || item.Status != StatusPending {
			continue
		}
		if !fn(item) {
			return nil
		}
	}
	return nil
}

// timeKey encodes t so that byte order matches time order
func timeKey(t time.Time) []byte {
	// Range bounds outside the index are clamped so scans stay ordered
	if t.Before(MinScheduleTime) {
		t = MinScheduleTime
	} else if t.After(MaxScheduleTime) {
		t = MaxScheduleTime
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

// indexKey creates a sortable key from timestamp and ID
func indexKey(t time.Time, id string) []byte {
	return append(timeKey(t), id...)
}

// timeFromKey extracts the timestamp from an index key
func timeFromKey(key []byte) time.Time {
	if len(key) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[:8])))
}
