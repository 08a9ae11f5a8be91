package ingestion

import (
	"context"
	"errors"
	"time"

	"ClearingHouse/internal/core"
	"ClearingHouse/internal/observability"

	"github.com/rs/zerolog"
)

// Engine is the serialized operation surface the processor drives.
// *core.ClearingHouse satisfies it.
type Engine interface {
	OpenPosition(core.OpenPositionParams) (*core.PositionChangedResult, error)
	ClosePosition(core.ClosePositionParams) (*core.PositionChangedResult, error)
	Liquidate(core.LiquidateParams) (*core.PositionChangedResult, error)
	CancelOpenOrder(core.CancelOpenOrderParams) error
	AddLiquidity(core.AddLiquidityParams) (*core.LiquidityResult, error)
	RemoveLiquidity(core.RemoveLiquidityParams) (*core.LiquidityResult, error)
	SettleAllFunding(core.SettleAllFundingParams) error
}

// Processor drains the raw request channel and runs the full ingestion
// pipeline for each message: resolve operation type, parse, dedup,
// sequence-validate, apply, ack.
//
// ACK discipline: malformed, duplicate, and out-of-order requests are ACKed
// (redelivery cannot fix them); engine rejections are ACKed too, because the
// engine's rollback is the authoritative outcome. Only infrastructure
// failures (durable dedup lookup) are NAKed for redelivery.
type Processor struct {
	engine    Engine
	dedup     *Deduplicator
	sequence  *SequenceValidator
	subjects  []SubjectConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
	requestCh <-chan RawRequest
}

func NewProcessor(
	engine Engine,
	dedup *Deduplicator,
	sequence *SequenceValidator,
	subjects []SubjectConfig,
	requestCh <-chan RawRequest,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		engine:    engine,
		dedup:     dedup,
		sequence:  sequence,
		subjects:  subjects,
		metrics:   metrics,
		logger:    logger,
		requestCh: requestCh,
	}
}

// Run processes requests until the context is canceled or the channel
// closes. Single goroutine: ordering within the channel is preserved.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.requestCh:
			if !ok {
				return nil
			}
			p.handle(raw)
		}
	}
}

func (p *Processor) handle(raw RawRequest) {
	opType, ok := OpTypeForSubject(raw.Subject, p.subjects)
	if !ok {
		p.logger.Warn().Str("subject", raw.Subject).Msg("no operation type for subject")
		p.ack(raw)
		return
	}

	op, err := ParseRawRequest(raw, opType)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed request")
		p.ack(raw)
		return
	}

	seen, err := p.dedup.Seen(op.Type, op.RequestID)
	if err != nil {
		// Durable index unavailable: NAK and let redelivery retry.
		p.logger.Error().Err(err).Str("request_id", op.RequestID).Msg("dedup lookup failed")
		p.nak(raw)
		return
	}
	if seen {
		p.logger.Debug().Str("request_id", op.RequestID).Str("op", op.Type).Msg("duplicate request dropped")
		p.ack(raw)
		return
	}

	if err := p.sequence.Validate(op.Partition, op.SourceSequence); err != nil {
		p.logger.Warn().Err(err).Str("partition", op.Partition).Msg("request rejected by sequence validator")
		p.ack(raw)
		return
	}

	if err := p.apply(op); err != nil {
		// Engine rejections rolled back cleanly; the request is spent.
		p.logger.Info().Err(err).Str("request_id", op.RequestID).Str("op", op.Type).Msg("operation rejected")
	} else {
		p.dedup.Record(op.Type, op.RequestID)
	}

	if p.metrics != nil {
		p.metrics.IngestToApply.WithLabelValues(op.Type).Observe(time.Since(raw.Timestamp).Seconds())
	}
	p.ack(raw)
}

func (p *Processor) apply(op *Operation) error {
	switch op.Type {
	case "OpenPosition":
		_, err := p.engine.OpenPosition(*op.Open)
		return err
	case "ClosePosition":
		_, err := p.engine.ClosePosition(*op.Close)
		return err
	case "Liquidate":
		_, err := p.engine.Liquidate(*op.Liquidate)
		return err
	case "CancelOpenOrder":
		return p.engine.CancelOpenOrder(*op.Cancel)
	case "AddLiquidity":
		_, err := p.engine.AddLiquidity(*op.AddLiq)
		return err
	case "RemoveLiquidity":
		_, err := p.engine.RemoveLiquidity(*op.RemoveLiq)
		return err
	case "SettleAllFunding":
		return p.engine.SettleAllFunding(*op.SettleAll)
	default:
		return errors.New("unhandled operation type " + op.Type)
	}
}

func (p *Processor) ack(raw RawRequest) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func (p *Processor) nak(raw RawRequest) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
