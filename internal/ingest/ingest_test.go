package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/rules"
)

type stubHandler struct {
	err    error
	events []*rules.Event
}

func (h *stubHandler) HandleEvent(ctx context.Context, ev *rules.Event) (*engine.EventResult, error) {
	h.events = append(h.events, ev)
	if h.err != nil {
		return nil, h.err
	}
	return &engine.EventResult{QueueItemIDs: []string{"a"}}, nil
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"entity_id":"WO-42","trigger_type":"status_change","fields":{"status":"overdue","hours":12}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.EntityID != "WO-42" || ev.TriggerType != "status_change" {
		t.Errorf("event = %+v", ev)
	}
	if _, ok := ev.Fields["hours"].(json.Number); !ok {
		t.Errorf("hours = %T, want json.Number", ev.Fields["hours"])
	}

	ev, err = Decode([]byte(`{"entity_id":"WO-1","trigger_type":"overdue"}`))
	if err != nil || ev.Fields == nil {
		t.Errorf("Decode() without fields = %+v, %v", ev, err)
	}

	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestProcess(t *testing.T) {
	body := []byte(`{"entity_id":"WO-1","trigger_type":"overdue"}`)

	tests := []struct {
		name      string
		body      []byte
		handleErr error
		wantLabel string
	}{
		{"handled", body, nil, resultHandled},
		{"malformed body", []byte(`[]`), nil, resultMalformed},
		{"invalid event", body, &rules.ValidationError{Fields: []rules.FieldError{{Field: "entity_id", Message: "is required"}}}, resultMalformed},
		{"storage failure", body, errors.New("disk full"), resultFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &stubHandler{err: tt.handleErr}
			_, err := process(context.Background(), h, "test", tt.body)
			if got := resultLabel(err); got != tt.wantLabel {
				t.Errorf("resultLabel() = %s, want %s (err %v)", got, tt.wantLabel, err)
			}
		})
	}
}
