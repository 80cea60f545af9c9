// Package analytics rolls queue history up into delivery statistics
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/foxzi/herald/internal/queue"
)

// Snapshot is a read-only summary of queue items created in a window
type Snapshot struct {
	WindowStart      time.Time             `json:"window_start"`
	WindowEnd        time.Time             `json:"window_end"`
	Total            int                   `json:"total"`
	Sent             int                   `json:"sent"`
	Failed           int                   `json:"failed"`
	Cancelled        int                   `json:"cancelled"`
	Pending          int                   `json:"pending"`
	DeliveryRate     float64               `json:"delivery_rate"`
	BounceRate       float64               `json:"bounce_rate"`
	ChannelBreakdown map[queue.Channel]int `json:"channel_breakdown"`
	RulePerformance  []RulePerformance     `json:"rule_performance"`
	Daily            []DailyCount          `json:"daily"`
}

// RulePerformance holds per-rule delivery figures
type RulePerformance struct {
	RuleID                 string         `json:"rule_id"`
	RuleKind               queue.RuleKind `json:"rule_kind"`
	TriggeredCount         int            `json:"triggered_count"`
	Sent                   int            `json:"sent"`
	Failed                 int            `json:"failed"`
	DeliveryRate           float64        `json:"delivery_rate"`
	AvgDeliveryTimeSeconds float64        `json:"avg_delivery_time_seconds"`
}

// DailyCount holds per-day item counts, days in UTC
type DailyCount struct {
	Date    string `json:"date"`
	Created int    `json:"created"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
}

type ruleAcc struct {
	perf       RulePerformance
	delaySum   time.Duration
	delayCount int
}

// Summarize aggregates items whose created_at falls in [start, end).
// An empty window yields zero rates and empty breakdowns.
func Summarize(items []*queue.Item, start, end time.Time) *Snapshot {
	snap := &Snapshot{
		WindowStart:      start,
		WindowEnd:        end,
		ChannelBreakdown: make(map[queue.Channel]int),
		RulePerformance:  []RulePerformance{},
		Daily:            []DailyCount{},
	}

	rules := make(map[string]*ruleAcc)
	days := make(map[string]*DailyCount)
	permanent := 0

	for _, item := range items {
		if item.CreatedAt.Before(start) || !item.CreatedAt.Before(end) {
			continue
		}

		snap.Total++
		snap.ChannelBreakdown[item.Channel]++

		acc, ok := rules[item.RuleID]
		if !ok {
			acc = &ruleAcc{perf: RulePerformance{RuleID: item.RuleID, RuleKind: item.RuleKind}}
			rules[item.RuleID] = acc
		}
		acc.perf.TriggeredCount++

		date := item.CreatedAt.UTC().Format("2006-01-02")
		day, ok := days[date]
		if !ok {
			day = &DailyCount{Date: date}
			days[date] = day
		}
		day.Created++

		switch item.Status {
		case queue.StatusSent:
			snap.Sent++
			acc.perf.Sent++
			day.Sent++
			if item.SentAt != nil {
				acc.delaySum += item.SentAt.Sub(item.ScheduledFor)
				acc.delayCount++
			}
		case queue.StatusFailed:
			snap.Failed++
			acc.perf.Failed++
			day.Failed++
			if item.Permanent {
				permanent++
			}
		case queue.StatusCancelled:
			snap.Cancelled++
		case queue.StatusPending:
			snap.Pending++
		}
	}

	snap.DeliveryRate = rate(snap.Sent, snap.Sent+snap.Failed)
	snap.BounceRate = rate(permanent, snap.Sent+snap.Failed)

	for _, acc := range rules {
		acc.perf.DeliveryRate = rate(acc.perf.Sent, acc.perf.Sent+acc.perf.Failed)
		if acc.delayCount > 0 {
			acc.perf.AvgDeliveryTimeSeconds = (acc.delaySum / time.Duration(acc.delayCount)).Seconds()
		}
		snap.RulePerformance = append(snap.RulePerformance, acc.perf)
	}
	sort.Slice(snap.RulePerformance, func(i, j int) bool {
		a, b := snap.RulePerformance[i], snap.RulePerformance[j]
		if a.TriggeredCount != b.TriggeredCount {
			return a.TriggeredCount > b.TriggeredCount
		}
		return a.RuleID < b.RuleID
	})

	for _, day := range days {
		snap.Daily = append(snap.Daily, *day)
	}
	sort.Slice(snap.Daily, func(i, j int) bool { return snap.Daily[i].Date < snap.Daily[j].Date })

	return snap
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Source reads queue history for a window
type Source interface {
	Range(ctx context.Context, from, to time.Time) ([]*queue.Item, error)
}

// Service computes snapshots from the delivery queue
type Service struct {
	source Source
}

// NewService creates an analytics service
func NewService(source Source) *Service {
	return &Service{source: source}
}

// Summarize reads the window from the queue and aggregates it
func (s *Service) Summarize(ctx context.Context, start, end time.Time) (*Snapshot, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("window end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	items, err := s.source.Range(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue history: %w", err)
	}

	return Summarize(items, start, end), nil
}
