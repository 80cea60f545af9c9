// Package ingest consumes domain events from message brokers and hands
// them to the rule engine
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/rules"
)

// Handler processes one decoded event
type Handler interface {
	HandleEvent(ctx context.Context, ev *rules.Event) (*engine.EventResult, error)
}

// Result labels for the ingest metric
const (
	resultHandled   = "handled"
	resultMalformed = "malformed"
	resultFailed    = "failed"
)

// ErrMalformed marks a message that can never be processed
var ErrMalformed = errors.New("malformed event")

// Decode parses a JSON event body. Numbers are kept as json.Number.
func Decode(body []byte) (*rules.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var ev rules.Event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Fields == nil {
		ev.Fields = map[string]any{}
	}
	return &ev, nil
}

// process decodes and handles a message body. A malformed body or an event
// the engine rejects as invalid is reported as ErrMalformed.
func process(ctx context.Context, h Handler, source string, body []byte) (*engine.EventResult, error) {
	ev, err := Decode(body)
	if err != nil {
		return nil, err
	}

	res, err := h.HandleEvent(engine.WithSource(ctx, source), ev)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return res, err
	}
	return res, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultHandled
	case errors.Is(err, ErrMalformed):
		return resultMalformed
	default:
		return resultFailed
	}
}
