package queue

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status represents the status of a queue item
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// Channel is a delivery transport
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
)

// Channels lists every known channel in display order
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp, ChannelPush}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp, ChannelPush:
		return true
	}
	return false
}

// RuleKind tells which rule family produced an item
type RuleKind string

const (
	KindNotification RuleKind = "notification"
	KindEscalation   RuleKind = "escalation"
)

// Item is one scheduled delivery
type Item struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"rule_id"`
	RuleKind       RuleKind   `json:"rule_kind"`
	Step           int        `json:"step,omitempty"`
	EntityID       string     `json:"entity_id,omitempty"`
	RecipientType  string     `json:"recipient_type"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	RecipientEmail string     `json:"recipient_email,omitempty"`
	RecipientPhone string     `json:"recipient_phone,omitempty"`
	Channel        Channel    `json:"channel"`
	Subject        string     `json:"subject"`
	Content        string     `json:"content"`
	Status         Status     `json:"status"`
	Priority       int        `json:"priority"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	Permanent      bool       `json:"permanent,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
}

// Leased reports whether a worker holds an unexpired lease at now
func (i *Item) Leased(now time.Time) bool {
	return i.LeaseToken != "" && now.Before(i.LeaseExpiresAt)
}

// Address returns the channel-specific destination
func (i *Item) Address() string {
	switch i.Channel {
	case ChannelEmail:
		return i.RecipientEmail
	case ChannelSMS:
		return i.RecipientPhone
	default:
		return i.RecipientID
	}
}

func (i *Item) matchesSearch(term string) bool {
	term = strings.ToLower(term)
	for _, field := range []string{i.Subject, i.Content, i.RecipientEmail, i.RecipientPhone, i.RecipientID, i.EntityID} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// Draft is an item before it is persisted
type Draft struct {
	RuleID         string
	RuleKind       RuleKind
	Step           int
	EntityID       string
	RecipientType  string
	RecipientID    string
	RecipientEmail string
	RecipientPhone string
	Channel        Channel
	Subject        string
	Content        string
	Priority       int
	ScheduledFor   time.Time
	MaxRetries     int
}

func (d *Draft) validate() error {
	if d.RuleID == "" {
		return fmt.Errorf("draft: rule_id is required")
	}
	if !d.Channel.Valid() {
		return fmt.Errorf("draft: unknown channel %q", d.Channel)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("draft: max_retries must be >= 0")
	}
	if d.ScheduledFor.IsZero() {
		return fmt.Errorf("draft: scheduled_for is required")
	}
	if !Schedulable(d.ScheduledFor) {
		return fmt.Errorf("draft: scheduled_for %s is out of range", d.ScheduledFor.Format(time.RFC3339))
	}
	return nil
}

// Index keys hold schedule times as unsigned nanoseconds since the epoch
var (
	MinScheduleTime = time.Unix(0, 0).UTC()
	MaxScheduleTime = time.Unix(0, math.MaxInt64).UTC()
)

// Schedulable reports whether t fits the due index
func Schedulable(t time.Time) bool {
	return !t.Before(MinScheduleTime) && !t.After(MaxScheduleTime)
}

// ChainKey identifies the escalation chain of one entity under one rule
type ChainKey struct {
	RuleID   string
	EntityID string
}

// Batch is a set of queue changes committed together.
// Chains in Cancel are cancelled before Drafts are inserted.
type Batch struct {
	Cancel []ChainKey
	Drafts []Draft
}

// BatchResult reports what a committed Batch changed
type BatchResult struct {
	Items     []*Item
	Cancelled map[ChainKey]int
}

// Stats represents queue statistics
type Stats struct {
	Pending   int64 `json:"pending"`
	Leased    int64 `json:"leased"`
	Due       int64 `json:"due"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// ListFilter represents filter options for listing items
type ListFilter struct {
	Status   Status
	Channel  Channel
	Search   string
	RuleID   string
	EntityID string
	Limit    int
	Offset   int
}
