package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GRPCIngestService provides admin/manual operation injection via gRPC.
// Admin operations go through the same parse/dedup/sequence pipeline as
// NATS traffic: the service builds a wire-format request and enqueues it.
// Not for high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	requestChan chan<- RawRequest
}

func NewGRPCIngestService(requestChan chan<- RawRequest) *GRPCIngestService {
	return &GRPCIngestService{requestChan: requestChan}
}

// adminDeadline bounds how long an injected operation stays valid.
const adminDeadline = 60 * time.Second

func (s *GRPCIngestService) enqueue(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal admin request: %w", err)
	}

	raw := RawRequest{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case s.requestChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectSettleFunding settles all pending funding for a trader.
func (s *GRPCIngestService) InjectSettleFunding(ctx context.Context, trader uuid.UUID) error {
	return s.enqueue(ctx, "clearing.ops.funding.settle.admin", settleAllFundingJSON{
		RequestID: uuid.New().String(),
		Trader:    trader.String(),
		Deadline:  time.Now().Add(adminDeadline).Unix(),
	})
}

// InjectCancelOrder force-cancels a distressed maker's open order.
func (s *GRPCIngestService) InjectCancelOrder(ctx context.Context, caller, maker uuid.UUID, market string) error {
	if market == "" {
		return fmt.Errorf("market must not be empty")
	}
	return s.enqueue(ctx, "clearing.ops.order.cancel.admin", cancelOpenOrderJSON{
		RequestID: uuid.New().String(),
		Caller:    caller.String(),
		Maker:     maker.String(),
		Market:    market,
		Deadline:  time.Now().Add(adminDeadline).Unix(),
	})
}

// InjectLiquidate force-closes an undermargined trader's position, with the
// admin principal as liquidator.
func (s *GRPCIngestService) InjectLiquidate(ctx context.Context, liquidator, trader uuid.UUID, market string) error {
	if market == "" {
		return fmt.Errorf("market must not be empty")
	}
	return s.enqueue(ctx, "clearing.ops.liquidation.admin", liquidateJSON{
		RequestID:  uuid.New().String(),
		Liquidator: liquidator.String(),
		Trader:     trader.String(),
		Market:     market,
		Deadline:   time.Now().Add(adminDeadline).Unix(),
	})
}
