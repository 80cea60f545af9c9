package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

const ruleFileYAML = `
notification_rules:
  - name: Overdue work order
    trigger_type: status_change
    target_audience: customer
    channels: [email, in_app]
    priority: 4
    conditions:
      - field: hours_overdue
        operator: greater_than
        value: 2
    is_active: true
escalation_rules:
  - name: No technician response
    trigger_condition: no_response
    trigger_config:
      initial_hours: 1
      check_interval_minutes: 15
    escalation_steps:
      - step: 1
        delay_hours: 0
        action: notify
        recipients: [technician]
        message: "{{entity_id}} is waiting"
        channels: [sms]
      - step: 2
        delay_hours: 2
        action: escalate
        recipients: [manager]
        message: "{{entity_id}} escalated"
        channels: [email]
    is_active: true
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadRuleFile(t *testing.T) {
	file, err := readRuleFile(writeFile(t, ruleFileYAML))
	if err != nil {
		t.Fatalf("readRuleFile() error = %v", err)
	}
	if len(file.NotificationRules) != 1 || len(file.EscalationRules) != 1 {
		t.Fatalf("file = %+v", file)
	}
	if got := file.NotificationRules[0].Channels; len(got) != 2 || got[1] != queue.ChannelInApp {
		t.Errorf("channels = %v", got)
	}
	if got := file.EscalationRules[0].Steps[1].DelayHours; got != 2 {
		t.Errorf("step 2 delay = %d", got)
	}
}

func TestReadRuleFileInvalid(t *testing.T) {
	invalid := strings.Replace(ruleFileYAML, "priority: 4", "priority: 8", 1)
	invalid = strings.Replace(invalid, "- step: 2", "- step: 3", 1)

	_, err := readRuleFile(writeFile(t, invalid))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"notification_rules[0]", "escalation_rules[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	if _, err := readRuleFile(writeFile(t, "notification_rules: {")); err == nil {
		t.Error("expected parse error")
	}
}

func TestImportRules(t *testing.T) {
	storage, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "herald.db"), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	store, err := rules.NewBoltStore(storage.DB())
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(store, storage, nil, engine.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	file, err := readRuleFile(writeFile(t, ruleFileYAML))
	if err != nil {
		t.Fatal(err)
	}
	created, updated, err := importRules(ctx, eng, file)
	if err != nil || created != 2 || updated != 0 {
		t.Fatalf("importRules() = %d, %d, %v", created, updated, err)
	}

	// Re-importing with ids updates in place
	list, _ := eng.ListNotificationRules(ctx, rules.NotificationFilter{})
	file, _ = readRuleFile(writeFile(t, ruleFileYAML))
	file.NotificationRules[0].ID = list[0].ID
	file.EscalationRules = nil

	created, updated, err = importRules(ctx, eng, file)
	if err != nil || created != 0 || updated != 1 {
		t.Fatalf("second importRules() = %d, %d, %v", created, updated, err)
	}

	list, _ = eng.ListNotificationRules(ctx, rules.NotificationFilter{})
	if len(list) != 1 {
		t.Errorf("rules after re-import = %d, want 1", len(list))
	}
}
