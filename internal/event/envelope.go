package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionChanged
	EventTypePositionLiquidated
	EventTypeLiquidityChanged
	EventTypeOrderCanceled
	EventTypeFundingSettled
)

// EventEnvelope wraps every change event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable key of the operation request that produced this event
	OperationKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for account-wide events)
	MarketID *string

	// Timestamp of the operation as supplied by the injected clock
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of engine state AFTER applying this operation
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all outbound payloads implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for account-wide events)
	MarketID() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionChanged:
		return "PositionChanged"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeLiquidityChanged:
		return "LiquidityChanged"
	case EventTypeOrderCanceled:
		return "OrderCanceled"
	case EventTypeFundingSettled:
		return "FundingSettled"
	default:
		return "Unknown"
	}
}
