package bus

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestNewEnvelopeGeneratesIDs(t *testing.T) {
	t.Parallel()

	env := NewEnvelope("signal-agent-01", ChannelSignals, map[string]any{"instrument": "BTC-USD"}, "", "")
	if env.ID == "" {
		t.Error("id must be generated")
	}
	if env.CorrelationID == "" {
		t.Error("correlation id must be generated when absent")
	}
	if env.ID == env.CorrelationID {
		t.Error("id and correlation id must be independent")
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		t.Errorf("timestamp must be RFC3339: %v", err)
	}
}

func TestNewEnvelopeKeepsCorrelationID(t *testing.T) {
	t.Parallel()

	env := NewEnvelope("risk-agent-01", ChannelRiskApproved, map[string]any{}, "", "corr-123")
	if env.CorrelationID != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", env.CorrelationID)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []*Envelope{
		NewEnvelope("meta-decision-agent-01", ChannelControl,
			map[string]any{"command": "pause", "target": "signal-agent-01"}, "signal-agent-01", ""),
		NewEnvelope("execution-agent-01", ChannelFills,
			map[string]any{"instrument": "ETH-USD", "size": 1.5, "approved": true}, "", "chain-7"),
		NewEnvelope("orchestrator", ChannelHeartbeat, map[string]any{}, "", ""),
	}

	for _, env := range cases {
		data, err := env.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !reflect.DeepEqual(env, got) {
			t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", env, got)
		}
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing id":        `{"timestamp":"2026-01-01T00:00:00Z","source_agent":"a","channel":"signals","payload":{}}`,
		"missing timestamp": `{"id":"x","source_agent":"a","channel":"signals","payload":{}}`,
		"missing source":    `{"id":"x","timestamp":"2026-01-01T00:00:00Z","channel":"signals","payload":{}}`,
		"missing channel":   `{"id":"x","timestamp":"2026-01-01T00:00:00Z","source_agent":"a","payload":{}}`,
		"missing payload":   `{"id":"x","timestamp":"2026-01-01T00:00:00Z","source_agent":"a","channel":"signals"}`,
		"payload not a map": `{"id":"x","timestamp":"2026-01-01T00:00:00Z","source_agent":"a","channel":"signals","payload":[1,2]}`,
		"not json":          `PING`,
	}

	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%s: want ErrMalformedEnvelope, got %v", name, err)
		}
	}
}

func TestChannelRegistry(t *testing.T) {
	t.Parallel()

	if len(Channels()) != 10 {
		t.Fatalf("registry has %d channels, want 10", len(Channels()))
	}
	for _, ch := range Channels() {
		if !ch.Valid() {
			t.Errorf("registered channel %q reported invalid", ch)
		}
	}
	if Channel("agent:market_data").Valid() {
		t.Error("unregistered channel must be invalid")
	}
}
