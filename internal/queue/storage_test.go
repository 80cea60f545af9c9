package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"), Options{
		LeaseTimeout: time.Minute,
		BaseBackoff:  time.Minute,
		MaxBackoff:   10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testDraft(at time.Time) Draft {
	return Draft{
		RuleID:         "rule-1",
		RuleKind:       KindNotification,
		EntityID:       "WO-42",
		RecipientType:  "customer",
		RecipientEmail: "customer@example.com",
		Channel:        ChannelEmail,
		Subject:        "Work order overdue",
		Content:        "WO-42 is overdue",
		ScheduledFor:   at,
		MaxRetries:     3,
	}
}

func TestBoltStorageEnqueueScheduleRange(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		at      time.Time
		wantErr bool
	}{
		{"before epoch", time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"after max", MaxScheduleTime.Add(time.Second), true},
		{"epoch", MinScheduleTime, false},
		{"max", MaxScheduleTime, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storage.Enqueue(ctx, testDraft(tt.at))
			if (err != nil) != tt.wantErr {
				t.Errorf("Enqueue() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// Stored items keep chronological index order
	due, err := storage.ClaimDue(ctx, 10, MinScheduleTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(due) != 1 || !due[0].ScheduledFor.Equal(MinScheduleTime) {
		t.Errorf("ClaimDue() = %d items, want only the epoch item", len(due))
	}
}

func TestBoltStorageEnqueue(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, err := storage.Enqueue(ctx, testDraft(now))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if item.ID == "" {
		t.Error("Enqueue() returned empty ID")
	}
	if item.Status != StatusPending {
		t.Errorf("Status = %v, want %v", item.Status, StatusPending)
	}
	if item.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", item.RetryCount)
	}
	if item.Priority != defaultPriority {
		t.Errorf("Priority = %d, want %d", item.Priority, defaultPriority)
	}

	got, err := storage.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Subject != item.Subject {
		t.Errorf("Get().Subject = %q, want %q", got.Subject, item.Subject)
	}

	notFound, err := storage.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if notFound != nil {
		t.Error("Get() expected nil for nonexistent item")
	}
}

func TestBoltStorageEnqueueBatchAtomic(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	bad := testDraft(now)
	bad.Channel = "fax"

	if _, err := storage.EnqueueBatch(ctx, []Draft{testDraft(now), bad}); err == nil {
		t.Fatal("EnqueueBatch() expected error for unknown channel")
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0 after rejected batch", stats.Total)
	}
}

func TestBoltStorageClaimDueOrdering(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	low := testDraft(now.Add(-3 * time.Minute))
	low.Priority = 1
	highLate := testDraft(now.Add(-1 * time.Minute))
	highLate.Priority = 5
	highEarly := testDraft(now.Add(-2 * time.Minute))
	highEarly.Priority = 5
	future := testDraft(now.Add(time.Hour))
	future.Priority = 5

	var ids []string
	for _, d := range []Draft{low, highLate, highEarly, future} {
		item, err := storage.Enqueue(ctx, d)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, item.ID)
	}

	claimed, err := storage.ClaimDue(ctx, 10, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}

	want := []string{ids[2], ids[1], ids[0]}
	if len(claimed) != len(want) {
		t.Fatalf("ClaimDue() returned %d items, want %d", len(claimed), len(want))
	}
	for i, item := range claimed {
		if item.ID != want[i] {
			t.Errorf("claimed[%d] = %s, want %s", i, item.ID, want[i])
		}
		if item.LeaseToken == "" {
			t.Errorf("claimed[%d] has no lease token", i)
		}
	}

	again, err := storage.ClaimDue(ctx, 10, now)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ClaimDue() returned %d items, want 0 while leased", len(again))
	}
}

func TestBoltStorageLeaseExpiry(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, err := storage.Enqueue(ctx, testDraft(now))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first, err := storage.ClaimDue(ctx, 1, now)
	if err != nil || len(first) != 1 {
		t.Fatalf("ClaimDue() = %d items, %v", len(first), err)
	}

	later := now.Add(2 * time.Minute)
	second, err := storage.ClaimDue(ctx, 1, later)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(second) != 1 || second[0].ID != item.ID {
		t.Fatalf("expired lease should make item claimable again, got %d items", len(second))
	}
	if second[0].LeaseToken == first[0].LeaseToken {
		t.Error("reclaim should issue a new lease token")
	}

	err = storage.MarkSent(ctx, item.ID, first[0].LeaseToken, later)
	if !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkSent() with stale token error = %v, want ErrLeaseLost", err)
	}
	if err := storage.MarkSent(ctx, item.ID, second[0].LeaseToken, later); err != nil {
		t.Errorf("MarkSent() error = %v", err)
	}
}

func TestBoltStorageClaimExclusive(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := storage.Enqueue(ctx, testDraft(now)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := storage.ClaimDue(ctx, 1, now)
			if err != nil {
				t.Errorf("ClaimDue() error = %v", err)
				return
			}
			results <- len(items)
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 1 {
		t.Errorf("item claimed %d times, want exactly 1", total)
	}
}

func TestBoltStorageMarkSent(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))

	if err := storage.MarkSent(ctx, item.ID, "", now); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("MarkSent() unclaimed error = %v, want ErrLeaseLost", err)
	}

	claimed, _ := storage.ClaimDue(ctx, 1, now)
	if err := storage.MarkSent(ctx, item.ID, claimed[0].LeaseToken, now); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	got, _ := storage.Get(ctx, item.ID)
	if got.Status != StatusSent {
		t.Errorf("Status = %v, want %v", got.Status, StatusSent)
	}
	if got.SentAt == nil {
		t.Error("SentAt not set")
	}
	if got.LeaseToken != "" {
		t.Error("lease not released")
	}

	if err := storage.MarkSent(ctx, item.ID, claimed[0].LeaseToken, now); !errors.Is(err, ErrTerminal) {
		t.Errorf("MarkSent() on sent item error = %v, want ErrTerminal", err)
	}
	if err := storage.Cancel(ctx, item.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("Cancel() on sent item error = %v, want ErrTerminal", err)
	}
}

func TestBoltStorageMarkFailedRetryBound(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))

	failedTransitions := 0
	for i := 0; i <= item.MaxRetries; i++ {
		claimed, err := storage.ClaimDue(ctx, 1, now.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("ClaimDue() error = %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: ClaimDue() returned %d items, want 1", i, len(claimed))
		}

		updated, err := storage.MarkFailed(ctx, item.ID, claimed[0].LeaseToken, "connection reset", false, now)
		if err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}
		if updated.RetryCount > updated.MaxRetries {
			t.Errorf("RetryCount %d exceeds MaxRetries %d", updated.RetryCount, updated.MaxRetries)
		}
		if updated.Status == StatusFailed {
			failedTransitions++
		}
	}

	if failedTransitions != 1 {
		t.Errorf("failed transitions = %d, want 1", failedTransitions)
	}

	got, _ := storage.Get(ctx, item.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", got.Status, StatusFailed)
	}
	if got.FailedAt == nil || got.FailureReason == "" {
		t.Error("failed item should record failed_at and failure_reason")
	}

	claimed, _ := storage.ClaimDue(ctx, 1, now.Add(48*time.Hour))
	if len(claimed) != 0 {
		t.Error("failed item must not re-enter pending")
	}
}

func TestBoltStorageMarkFailedBackoff(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))

	claimed, _ := storage.ClaimDue(ctx, 1, now)
	updated, err := storage.MarkFailed(ctx, item.ID, claimed[0].LeaseToken, "timeout", false, now)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if !updated.ScheduledFor.Equal(now.Add(time.Minute)) {
		t.Errorf("first retry at %v, want %v", updated.ScheduledFor, now.Add(time.Minute))
	}

	claimed, _ = storage.ClaimDue(ctx, 1, updated.ScheduledFor)
	updated, err = storage.MarkFailed(ctx, item.ID, claimed[0].LeaseToken, "timeout", false, now)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if !updated.ScheduledFor.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("second retry at %v, want %v", updated.ScheduledFor, now.Add(2*time.Minute))
	}
}

func TestBoltStorageMarkFailedPermanent(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))
	claimed, _ := storage.ClaimDue(ctx, 1, now)

	updated, err := storage.MarkFailed(ctx, item.ID, claimed[0].LeaseToken, "mailbox does not exist", true, now)
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if updated.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", updated.Status, StatusFailed)
	}
	if updated.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", updated.RetryCount)
	}
	if !updated.Permanent {
		t.Error("Permanent not recorded")
	}
}

func TestBoltStorageCancel(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	pending, _ := storage.Enqueue(ctx, testDraft(now.Add(time.Hour)))
	if err := storage.Cancel(ctx, pending.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got, _ := storage.Get(ctx, pending.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Status = %v, want %v", got.Status, StatusCancelled)
	}
	if err := storage.Cancel(ctx, pending.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("second Cancel() error = %v, want ErrTerminal", err)
	}

	inflight, _ := storage.Enqueue(ctx, testDraft(now))
	if _, err := storage.ClaimDue(ctx, 1, time.Now()); err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if err := storage.Cancel(ctx, inflight.ID); !errors.Is(err, ErrInFlight) {
		t.Errorf("Cancel() leased item error = %v, want ErrInFlight", err)
	}

	if err := storage.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel() missing item error = %v, want ErrNotFound", err)
	}
}

func TestBoltStorageRetry(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))
	claimed, _ := storage.ClaimDue(ctx, 1, now)
	if _, err := storage.MarkFailed(ctx, item.ID, claimed[0].LeaseToken, "bad number", true, now); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	later := now.Add(time.Hour)
	retried, err := storage.Retry(ctx, item.ID, later)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retried.Status != StatusPending {
		t.Errorf("Status = %v, want %v", retried.Status, StatusPending)
	}
	if retried.FailedAt != nil || retried.FailureReason != "" {
		t.Error("Retry() should clear failure fields")
	}
	if !retried.ScheduledFor.Equal(later) {
		t.Errorf("ScheduledFor = %v, want %v", retried.ScheduledFor, later)
	}

	due, _ := storage.ClaimDue(ctx, 1, later)
	if len(due) != 1 {
		t.Fatalf("retried item not claimable")
	}
	if err := storage.MarkSent(ctx, item.ID, due[0].LeaseToken, later); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if _, err := storage.Retry(ctx, item.ID, later); !errors.Is(err, ErrTerminal) {
		t.Errorf("Retry() on sent item error = %v, want ErrTerminal", err)
	}
}

func TestBoltStorageDefer(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))
	claimed, _ := storage.ClaimDue(ctx, 1, now)

	until := now.Add(30 * time.Minute)
	if err := storage.Defer(ctx, item.ID, claimed[0].LeaseToken, until); err != nil {
		t.Fatalf("Defer() error = %v", err)
	}

	got, _ := storage.Get(ctx, item.ID)
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if !got.ScheduledFor.Equal(until) {
		t.Errorf("ScheduledFor = %v, want %v", got.ScheduledFor, until)
	}
	if items, _ := storage.ClaimDue(ctx, 1, now.Add(time.Minute)); len(items) != 0 {
		t.Error("deferred item claimed before its time")
	}
	if items, _ := storage.ClaimDue(ctx, 1, until); len(items) != 1 {
		t.Error("deferred item not claimable at its time")
	}
}

func TestBoltStorageChains(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	var drafts []Draft
	for step := 1; step <= 3; step++ {
		d := testDraft(now.Add(time.Duration(step) * time.Hour))
		d.RuleID = "esc-1"
		d.RuleKind = KindEscalation
		d.Step = step
		drafts = append(drafts, d)
	}
	if _, err := storage.EnqueueBatch(ctx, drafts); err != nil {
		t.Fatalf("EnqueueBatch() error = %v", err)
	}

	active, err := storage.HasActiveChain(ctx, "esc-1", "WO-42")
	if err != nil || !active {
		t.Fatalf("HasActiveChain() = %v, %v, want true", active, err)
	}
	if active, _ := storage.HasActiveChain(ctx, "esc-1", "WO-7"); active {
		t.Error("HasActiveChain() true for another entity")
	}
	if pending, _ := storage.HasPendingForRule(ctx, "esc-1"); !pending {
		t.Error("HasPendingForRule() = false, want true")
	}

	n, err := storage.CancelChain(ctx, "esc-1", "WO-42")
	if err != nil {
		t.Fatalf("CancelChain() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CancelChain() = %d, want 3", n)
	}
	if active, _ := storage.HasActiveChain(ctx, "esc-1", "WO-42"); active {
		t.Error("HasActiveChain() true after CancelChain")
	}
}

func TestBoltStorageApplyReplacesChain(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()
	key := ChainKey{RuleID: "esc-1", EntityID: "WO-42"}

	chain := func(offset time.Duration) []Draft {
		var drafts []Draft
		for step := 1; step <= 2; step++ {
			d := testDraft(now.Add(offset + time.Duration(step)*time.Hour))
			d.RuleID = key.RuleID
			d.RuleKind = KindEscalation
			d.Step = step
			drafts = append(drafts, d)
		}
		return drafts
	}

	if _, err := storage.Apply(ctx, Batch{Drafts: chain(0)}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// An invalid draft rejects the whole batch, the chain stays as it was
	bad := append(chain(time.Hour), Draft{RuleID: key.RuleID, Channel: "fax", ScheduledFor: now})
	if _, err := storage.Apply(ctx, Batch{Cancel: []ChainKey{key}, Drafts: bad}); err == nil {
		t.Fatal("Apply() with an invalid draft should fail")
	}
	stats, _ := storage.Stats(ctx)
	if stats.Pending != 2 || stats.Cancelled != 0 {
		t.Fatalf("pending = %d, cancelled = %d after rejected batch", stats.Pending, stats.Cancelled)
	}

	res, err := storage.Apply(ctx, Batch{Cancel: []ChainKey{key}, Drafts: chain(time.Hour)})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Cancelled[key] != 2 {
		t.Errorf("Cancelled[%v] = %d, want 2", key, res.Cancelled[key])
	}
	if len(res.Items) != 2 {
		t.Errorf("Items = %d, want 2", len(res.Items))
	}

	stats, _ = storage.Stats(ctx)
	if stats.Pending != 2 || stats.Cancelled != 2 {
		t.Errorf("pending = %d, cancelled = %d, want 2 and 2", stats.Pending, stats.Cancelled)
	}
	for _, item := range res.Items {
		got, _ := storage.Get(ctx, item.ID)
		if got == nil || got.Status != StatusPending {
			t.Errorf("new chain item %s not pending", item.ID)
		}
	}
}

func TestBoltStorageList(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	email := testDraft(now)
	sms := testDraft(now)
	sms.Channel = ChannelSMS
	sms.RecipientPhone = "+15550100"
	sms.Content = "Technician assigned"

	for _, d := range []Draft{email, sms} {
		if _, err := storage.Enqueue(ctx, d); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"all", ListFilter{}, 2},
		{"by channel", ListFilter{Channel: ChannelSMS}, 1},
		{"by status", ListFilter{Status: StatusSent}, 0},
		{"search content", ListFilter{Search: "technician"}, 1},
		{"search phone", ListFilter{Search: "5550100"}, 1},
		{"limit", ListFilter{Limit: 1}, 1},
		{"offset", ListFilter{Offset: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := storage.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("List() returned %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestBoltStorageRangeAndCleanup(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	item, _ := storage.Enqueue(ctx, testDraft(now))

	items, err := storage.Range(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Range() returned %d items, want 1", len(items))
	}
	if items, _ := storage.Range(ctx, now.Add(time.Minute), now.Add(time.Hour)); len(items) != 0 {
		t.Errorf("Range() outside window returned %d items", len(items))
	}
	since := time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)
	if items, _ := storage.Range(ctx, since, now.Add(time.Minute)); len(items) != 1 {
		t.Errorf("Range() from before the epoch returned %d items, want 1", len(items))
	}

	deleted, err := storage.CleanupFinished(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupFinished() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("CleanupFinished() deleted %d pending items", deleted)
	}

	if err := storage.Cancel(ctx, item.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	deleted, err = storage.CleanupFinished(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupFinished() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupFinished() = %d, want 1", deleted)
	}
	if got, _ := storage.Get(ctx, item.ID); got != nil {
		t.Error("cleaned item still present")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{30, 10 * time.Minute},
	}

	for _, tt := range tests {
		got := Backoff(time.Minute, 10*time.Minute, tt.retry)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
