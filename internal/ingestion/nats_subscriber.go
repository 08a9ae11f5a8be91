package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds operation
// requests into the serialized engine via the requestChan. NATS JetStream is
// the primary high-throughput ingestion surface; each operation type has its
// own subject so consumers scale independently.
type NATSSubscriber struct {
	js          jetstream.JetStream
	requestChan chan<- RawRequest
	consumers   []jetstream.ConsumeContext
}

// RawRequest is the received-but-untyped operation request from NATS, ready
// for the shell to validate and convert into an Operation.
type RawRequest struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to operation types.
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "clearing.ops.position.open.>", OpType: "OpenPosition", ConsumerName: "clearing-position-open", StreamName: "CLEARING_POSITIONS"},
		{Subject: "clearing.ops.position.close.>", OpType: "ClosePosition", ConsumerName: "clearing-position-close", StreamName: "CLEARING_POSITIONS"},
		{Subject: "clearing.ops.liquidation.>", OpType: "Liquidate", ConsumerName: "clearing-liquidation", StreamName: "CLEARING_LIQUIDATIONS"},
		{Subject: "clearing.ops.order.cancel.>", OpType: "CancelOpenOrder", ConsumerName: "clearing-order-cancel", StreamName: "CLEARING_LIQUIDITY"},
		{Subject: "clearing.ops.liquidity.add.>", OpType: "AddLiquidity", ConsumerName: "clearing-liquidity-add", StreamName: "CLEARING_LIQUIDITY"},
		{Subject: "clearing.ops.liquidity.remove.>", OpType: "RemoveLiquidity", ConsumerName: "clearing-liquidity-remove", StreamName: "CLEARING_LIQUIDITY"},
		{Subject: "clearing.ops.funding.settle.>", OpType: "SettleAllFunding", ConsumerName: "clearing-funding-settle", StreamName: "CLEARING_FUNDING"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, requestChan chan<- RawRequest) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		requestChan: requestChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawRequest{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.requestChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "CLEARING_POSITIONS",
			Subjects:  []string{"clearing.ops.position.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_LIQUIDITY",
			Subjects:  []string{"clearing.ops.liquidity.>", "clearing.ops.order.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_LIQUIDATIONS",
			Subjects:  []string{"clearing.ops.liquidation.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_FUNDING",
			Subjects:  []string{"clearing.ops.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// OpTypeForSubject resolves the operation type for a received subject by
// longest matching configured prefix (the trailing ".>" stripped).
func OpTypeForSubject(subject string, subjects []SubjectConfig) (string, bool) {
	best := ""
	opType := ""
	for _, cfg := range subjects {
		prefix := cfg.Subject
		if len(prefix) > 1 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-1] // keep the trailing dot
		}
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix && len(prefix) > len(best) {
			best = prefix
			opType = cfg.OpType
		}
	}
	return opType, opType != ""
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
