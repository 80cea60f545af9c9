package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNotificationRules = []byte("notification_rules")
	bucketEscalationRules   = []byte("escalation_rules")
)

var (
	// ErrNotFound is returned when no rule has the given ID
	ErrNotFound = errors.New("rule not found")
	// ErrAlreadyExists is returned when creating a rule with a taken ID
	ErrAlreadyExists = errors.New("rule already exists")
)

// NotificationFilter narrows ListNotifications
type NotificationFilter struct {
	TriggerType TriggerType
	ActiveOnly  bool
}

// EscalationFilter narrows ListEscalations
type EscalationFilter struct {
	TriggerCondition EscalationTrigger
	ActiveOnly       bool
}

// Store defines rule persistence
type Store interface {
	CreateNotification(ctx context.Context, r *NotificationRule) (*NotificationRule, error)
	GetNotification(ctx context.Context, id string) (*NotificationRule, error)
	UpdateNotification(ctx context.Context, id string, r *NotificationRule) (*NotificationRule, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*NotificationRule, error)
	SetNotificationActive(ctx context.Context, id string, active bool) (*NotificationRule, error)
	DeleteNotification(ctx context.Context, id string) error

	CreateEscalation(ctx context.Context, r *EscalationRule) (*EscalationRule, error)
	GetEscalation(ctx context.Context, id string) (*EscalationRule, error)
	UpdateEscalation(ctx context.Context, id string, r *EscalationRule) (*EscalationRule, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]*EscalationRule, error)
	SetEscalationActive(ctx context.Context, id string, active bool) (*EscalationRule, error)
	DeleteEscalation(ctx context.Context, id string) error
}

// BoltStore keeps rules in BoltDB next to the queue
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the rule buckets in db
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNotificationRules, bucketEscalationRules} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// CreateNotification validates and stores a new notification rule
func (s *BoltStore) CreateNotification(ctx context.Context, r *NotificationRule) (*NotificationRule, error) {
	if err := ValidateNotification(r); err != nil {
		return nil, err
	}

	rule := *r
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	if err := s.create(bucketNotificationRules, rule.ID, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetNotification returns a notification rule by ID
func (s *BoltStore) GetNotification(ctx context.Context, id string) (*NotificationRule, error) {
	rule := &NotificationRule{}
	if err := s.get(bucketNotificationRules, id, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateNotification replaces a notification rule's configuration
func (s *BoltStore) UpdateNotification(ctx context.Context, id string, r *NotificationRule) (*NotificationRule, error) {
	if err := ValidateNotification(r); err != nil {
		return nil, err
	}

	rule := *r
	err := s.update(bucketNotificationRules, id, func(data []byte) (any, error) {
		var existing NotificationRule
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, err
		}
		rule.ID = id
		rule.CreatedAt = existing.CreatedAt
		rule.UpdatedAt = time.Now()
		return &rule, nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListNotifications returns notification rules, oldest first
func (s *BoltStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*NotificationRule, error) {
	var list []*NotificationRule

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotificationRules).ForEach(func(k, v []byte) error {
			var rule NotificationRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return nil
			}
			if filter.ActiveOnly && !rule.IsActive {
				return nil
			}
			if filter.TriggerType != "" && rule.TriggerType != filter.TriggerType {
				return nil
			}
			list = append(list, &rule)
			return nil
		})
	})

	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, err
}

// SetNotificationActive toggles a notification rule
func (s *BoltStore) SetNotificationActive(ctx context.Context, id string, active bool) (*NotificationRule, error) {
	var rule NotificationRule
	err := s.update(bucketNotificationRules, id, func(data []byte) (any, error) {
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, err
		}
		rule.IsActive = active
		rule.UpdatedAt = time.Now()
		return &rule, nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteNotification removes a notification rule
func (s *BoltStore) DeleteNotification(ctx context.Context, id string) error {
	return s.delete(bucketNotificationRules, id)
}

// CreateEscalation validates and stores a new escalation rule
func (s *BoltStore) CreateEscalation(ctx context.Context, r *EscalationRule) (*EscalationRule, error) {
	if err := ValidateEscalation(r); err != nil {
		return nil, err
	}

	rule := *r
	rule.Steps = SortedSteps(r.Steps)
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	if err := s.create(bucketEscalationRules, rule.ID, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetEscalation returns an escalation rule by ID
func (s *BoltStore) GetEscalation(ctx context.Context, id string) (*EscalationRule, error) {
	rule := &EscalationRule{}
	if err := s.get(bucketEscalationRules, id, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateEscalation replaces an escalation rule's configuration
func (s *BoltStore) UpdateEscalation(ctx context.Context, id string, r *EscalationRule) (*EscalationRule, error) {
	if err := ValidateEscalation(r); err != nil {
		return nil, err
	}

	rule := *r
	rule.Steps = SortedSteps(r.Steps)
	err := s.update(bucketEscalationRules, id, func(data []byte) (any, error) {
		var existing EscalationRule
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, err
		}
		rule.ID = id
		rule.CreatedAt = existing.CreatedAt
		rule.UpdatedAt = time.Now()
		return &rule, nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListEscalations returns escalation rules, oldest first
func (s *BoltStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]*EscalationRule, error) {
	var list []*EscalationRule

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEscalationRules).ForEach(func(k, v []byte) error {
			var rule EscalationRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return nil
			}
			if filter.ActiveOnly && !rule.IsActive {
				return nil
			}
			if filter.TriggerCondition != "" && rule.TriggerCondition != filter.TriggerCondition {
				return nil
			}
			list = append(list, &rule)
			return nil
		})
	})

	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, err
}

// SetEscalationActive toggles an escalation rule
func (s *BoltStore) SetEscalationActive(ctx context.Context, id string, active bool) (*EscalationRule, error) {
	var rule EscalationRule
	err := s.update(bucketEscalationRules, id, func(data []byte) (any, error) {
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, err
		}
		rule.IsActive = active
		rule.UpdatedAt = time.Now()
		return &rule, nil
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteEscalation removes an escalation rule
func (s *BoltStore) DeleteEscalation(ctx context.Context, id string) error {
	return s.delete(bucketEscalationRules, id)
}

func (s *BoltStore) create(bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return ErrAlreadyExists
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// update rewrites a stored rule; mutate receives the current encoding
func (s *BoltStore) update(bucket []byte, id string, mutate func(data []byte) (any, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		updated, err := mutate(data)
		if err != nil {
			return err
		}

		encoded, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal rule: %w", err)
		}
		return b.Put([]byte(id), encoded)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}
