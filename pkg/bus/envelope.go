// Package bus defines the inter-agent message contract and its transports.
//
// All agent communication flows through named channels carrying a canonical
// envelope. Two transports are provided: an in-process broker (memory.go)
// used by tests and single-process deployments, and a WebSocket transport
// (ws.go) that talks to an external broker.
package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Channel is a logical pub/sub channel. The set is fixed; subscription is
// by exact match and the namespace is flat.
type Channel string

const (
	ChannelMarketData   Channel = "market_data"
	ChannelSignals      Channel = "signals"
	ChannelRiskCheck    Channel = "risk_check"
	ChannelRiskApproved Channel = "risk_approved"
	ChannelRiskRejected Channel = "risk_rejected"
	ChannelExecution    Channel = "execution"
	ChannelFills        Channel = "fills"
	ChannelHeartbeat    Channel = "heartbeat"
	ChannelControl      Channel = "control"
	ChannelAlerts       Channel = "alerts"
)

// Channels returns the full channel registry.
func Channels() []Channel {
	return []Channel{
		ChannelMarketData, ChannelSignals, ChannelRiskCheck,
		ChannelRiskApproved, ChannelRiskRejected, ChannelExecution,
		ChannelFills, ChannelHeartbeat, ChannelControl, ChannelAlerts,
	}
}

// Valid reports whether c is a registered channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMarketData, ChannelSignals, ChannelRiskCheck,
		ChannelRiskApproved, ChannelRiskRejected, ChannelExecution,
		ChannelFills, ChannelHeartbeat, ChannelControl, ChannelAlerts:
		return true
	}
	return false
}

// ErrMalformedEnvelope is returned by Decode when a required field is
// missing or the payload is not a key/value mapping.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the canonical message format for inter-agent communication.
// Envelopes are immutable once created.
type Envelope struct {
	ID            string         `json:"id"`
	Timestamp     string         `json:"timestamp"`    // ISO-8601 with explicit UTC offset
	SourceAgent   string         `json:"source_agent"`
	TargetAgent   string         `json:"target_agent,omitempty"` // empty = broadcast
	Channel       Channel        `json:"channel"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
}

// NewEnvelope builds an envelope with a fresh UUIDv4 id and creation
// timestamp. An empty correlationID gets a generated one so every message
// can anchor a causal chain.
func NewEnvelope(source string, channel Channel, payload map[string]any, target, correlationID string) *Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		SourceAgent:   source,
		TargetAgent:   target,
		Channel:       channel,
		Payload:       payload,
		CorrelationID: correlationID,
	}
}

// Encode serializes the envelope. Field order is fixed by the struct, so
// encoding is deterministic for the same logical input.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a serialized envelope and validates required fields.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch {
	case e.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case e.Timestamp == "":
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	case e.SourceAgent == "":
		return nil, fmt.Errorf("%w: missing source_agent", ErrMalformedEnvelope)
	case e.Channel == "":
		return nil, fmt.Errorf("%w: missing channel", ErrMalformedEnvelope)
	case e.Payload == nil:
		return nil, fmt.Errorf("%w: payload must be a mapping", ErrMalformedEnvelope)
	}
	return &e, nil
}
