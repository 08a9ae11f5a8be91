package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ClearingHouse/internal/core"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes applied events to NATS for downstream
// consumers (risk monitors, settlement, analytics). Outbound events are
// published after persistence is confirmed.
// Subjects follow the pattern: clearing.events.{event_type}.{market_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
}

// publishedEvent is the outbound wire format.
type publishedEvent struct {
	Sequence     int64           `json:"sequence"`
	EventType    string          `json:"event_type"`
	OperationKey string          `json:"operation_key"`
	MarketID     *string         `json:"market_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	StateHash    []byte          `json:"state_hash"`
	PrevHash     []byte          `json:"prev_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	wire := publishedEvent{
		Sequence:     env.Sequence,
		EventType:    env.EventType.String(),
		OperationKey: env.OperationKey,
		MarketID:     env.MarketID,
		Payload:      env.Payload,
		StateHash:    env.StateHash[:],
		PrevHash:     env.PrevHash[:],
		Timestamp:    env.Timestamp,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("clearing.events.%s", env.EventType)
	if env.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.MarketID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CLEARING_EVENTS",
		Subjects:  []string{"clearing.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream CLEARING_EVENTS")
	return nil
}
