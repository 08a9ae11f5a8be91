package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"ClearingHouse/internal/observability"
	"ClearingHouse/internal/projection"
)

// Engine is the read-only surface of the clearing engine that queries are
// served from. Live balances, positions and orders come from engine state,
// never from projections; projections only serve history.
type Engine interface {
	GetAccountValue(trader uuid.UUID) (*big.Int, error)
	GetOwedRealizedPnl(trader uuid.UUID) *big.Int
	GetTakerPosition(trader uuid.UUID, market string) (*big.Int, *big.Int)
	GetOpenOrder(maker uuid.UUID, market string) (*big.Int, *big.Int)
	GetAccountMarkets(trader uuid.UUID) []string
	GetMarginRequirement(trader uuid.UUID) (*big.Int, error)
	IsLiquidatable(trader uuid.UUID) (bool, error)
	GetInsuranceFund() *big.Int
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService serves the read API. Responses carry as_of_sequence: the
// engine sequence for live state, the projection watermark for history.
type QueryService struct {
	engine  Engine
	history *projection.HistoryProjection
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(engine Engine, history *projection.HistoryProjection, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		engine:  engine,
		history: history,
		db:      db,
		metrics: metrics,
	}
}

// GetAccount returns the trader's account summary computed from live
// engine state at current mark prices.
func (qs *QueryService) GetAccount(ctx context.Context, trader uuid.UUID) (*AccountResponse, error) {
	defer qs.observe("account", time.Now())

	value, err := qs.engine.GetAccountValue(trader)
	if err != nil {
		qs.countError("account", err)
		return nil, fmt.Errorf("account value: %w", err)
	}
	requirement, err := qs.engine.GetMarginRequirement(trader)
	if err != nil {
		qs.countError("account", err)
		return nil, fmt.Errorf("margin requirement: %w", err)
	}
	liquidatable, err := qs.engine.IsLiquidatable(trader)
	if err != nil {
		qs.countError("account", err)
		return nil, err
	}

	return &AccountResponse{
		Trader:            trader,
		AccountValue:      value.String(),
		OwedRealizedPnl:   qs.engine.GetOwedRealizedPnl(trader).String(),
		MarginRequirement: requirement.String(),
		IsLiquidatable:    liquidatable,
		Markets:           qs.engine.GetAccountMarkets(trader),
		AsOfSequence:      qs.engine.GetSequence(),
	}, nil
}

// GetPositions returns the trader's open taker positions across all
// registered markets.
func (qs *QueryService) GetPositions(ctx context.Context, trader uuid.UUID) ([]PositionResponse, error) {
	defer qs.observe("positions", time.Now())

	asOf := qs.engine.GetSequence()
	var positions []PositionResponse
	for _, market := range qs.engine.GetAccountMarkets(trader) {
		size, openNotional := qs.engine.GetTakerPosition(trader, market)
		if size.Sign() == 0 {
			continue
		}
		positions = append(positions, PositionResponse{
			Trader:       trader,
			Market:       market,
			PositionSize: size.String(),
			OpenNotional: openNotional.String(),
			AsOfSequence: asOf,
		})
	}
	return positions, nil
}

// GetOpenOrder returns the maker's range order in a market. Zero liquidity
// means no order.
func (qs *QueryService) GetOpenOrder(ctx context.Context, maker uuid.UUID, market string) (*OpenOrderResponse, error) {
	defer qs.observe("open_order", time.Now())

	liquidity, fee := qs.engine.GetOpenOrder(maker, market)
	return &OpenOrderResponse{
		Maker:        maker,
		Market:       market,
		Liquidity:    liquidity.String(),
		PendingFee:   fee.String(),
		AsOfSequence: qs.engine.GetSequence(),
	}, nil
}

// GetFundingHistory returns the trader's funding payments, newest first.
// Served from the in-memory projection; falls back to Postgres when the
// projection has fewer entries than requested (cold start, eviction).
func (qs *QueryService) GetFundingHistory(ctx context.Context, trader uuid.UUID, limit int) ([]FundingHistoryResponse, error) {
	defer qs.observe("funding_history", time.Now())

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		qs.countError("funding_history", err)
		return nil, err
	}

	if qs.history != nil {
		entries := qs.history.FundingByTrader(trader, limit)
		if len(entries) == limit || qs.db == nil {
			out := make([]FundingHistoryResponse, 0, len(entries))
			for _, e := range entries {
				out = append(out, FundingHistoryResponse{
					Trader:       e.Trader,
					Market:       e.Market,
					Payment:      e.Payment.String(),
					TwPremium:    e.TwPremium.String(),
					Sequence:     e.Sequence,
					Timestamp:    e.Timestamp.Unix(),
					AsOfSequence: asOf,
				})
			}
			return out, nil
		}
	}
	if qs.db == nil {
		return nil, nil
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, market, payment, tw_premium, settled_at
		FROM clearing.funding_history
		WHERE trader = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		qs.countError("funding_history", err)
		return nil, err
	}
	defer rows.Close()

	var out []FundingHistoryResponse
	for rows.Next() {
		var (
			h                  FundingHistoryResponse
			payment, twPremium string
			settledAt          time.Time
		)
		if err := rows.Scan(&h.Sequence, &h.Market, &payment, &twPremium, &settledAt); err != nil {
			qs.countError("funding_history", err)
			return nil, err
		}
		h.Trader = trader
		h.Payment = payment
		h.TwPremium = twPremium
		h.Timestamp = settledAt.Unix()
		h.AsOfSequence = asOf
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetLiquidationHistory returns the trader's forced closes, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, trader uuid.UUID, limit int) ([]LiquidationHistoryResponse, error) {
	defer qs.observe("liquidation_history", time.Now())

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		qs.countError("liquidation_history", err)
		return nil, err
	}

	if qs.history != nil {
		entries := qs.history.LiquidationsByTrader(trader, limit)
		if len(entries) == limit || qs.db == nil {
			out := make([]LiquidationHistoryResponse, 0, len(entries))
			for _, e := range entries {
				out = append(out, LiquidationHistoryResponse{
					Trader:         e.Trader,
					Liquidator:     e.Liquidator,
					Market:         e.Market,
					ClosedSize:     e.ClosedSize.String(),
					ClosedNotional: e.ClosedNotional.String(),
					Penalty:        e.Penalty.String(),
					IsBackstop:     e.IsBackstop,
					Sequence:       e.Sequence,
					Timestamp:      e.Timestamp.Unix(),
					AsOfSequence:   asOf,
				})
			}
			return out, nil
		}
	}
	if qs.db == nil {
		return nil, nil
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, liquidator, market, closed_size, closed_notional, penalty, is_backstop, executed_at
		FROM clearing.liquidation_history
		WHERE trader = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		qs.countError("liquidation_history", err)
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationHistoryResponse
	for rows.Next() {
		var (
			h          LiquidationHistoryResponse
			executedAt time.Time
		)
		if err := rows.Scan(&h.Sequence, &h.Liquidator, &h.Market, &h.ClosedSize,
			&h.ClosedNotional, &h.Penalty, &h.IsBackstop, &executedAt); err != nil {
			qs.countError("liquidation_history", err)
			return nil, err
		}
		h.Trader = trader
		h.Timestamp = executedAt.Unix()
		h.AsOfSequence = asOf
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetSystemStatus reports the engine chain tip, insurance fund, and how
// far projections lag behind the engine.
func (qs *QueryService) GetSystemStatus(ctx context.Context) (*SystemStatusResponse, error) {
	defer qs.observe("system_status", time.Now())

	hash := qs.engine.GetStateHash()
	seq := qs.engine.GetSequence()

	var lag int64
	if qs.db != nil {
		watermark, err := qs.getWatermark(ctx)
		if err != nil {
			qs.countError("system_status", err)
			return nil, err
		}
		if seq > watermark {
			lag = seq - watermark
		}
	}

	return &SystemStatusResponse{
		Sequence:      seq,
		StateHash:     hex.EncodeToString(hash[:]),
		InsuranceFund: qs.engine.GetInsuranceFund().String(),
		ProjectionLag: lag,
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// the log tip matches the engine's live hash. Admin endpoint.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	if qs.db == nil {
		return nil, errors.New("integrity check requires the event log database")
	}

	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM clearing.events
	`).Scan(&report.EventsChecked); err != nil {
		qs.countError("verify_integrity", err)
		return nil, err
	}

	// Adjacent events must link: prev_hash of n equals state_hash of n-1.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM clearing.events e1
		JOIN clearing.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		qs.countError("verify_integrity", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The newest persisted hash must match the engine tip, unless the
	// engine is ahead of persistence.
	var tipSeq sql.NullInt64
	var tipHash []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM clearing.events
		ORDER BY sequence DESC LIMIT 1
	`).Scan(&tipSeq, &tipHash)
	switch {
	case err == sql.ErrNoRows:
		report.TipMatchesLog = true
	case err != nil:
		qs.countError("verify_integrity", err)
		return nil, err
	default:
		report.TipSequence = tipSeq.Int64
		engineHash := qs.engine.GetStateHash()
		if tipSeq.Int64+1 < qs.engine.GetSequence() {
			// Engine ahead of the log: tip comparison is meaningless
			// until persistence catches up.
			report.TipMatchesLog = true
		} else {
			report.TipMatchesLog = string(tipHash) == string(engineHash[:])
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.TipMatchesLog
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	if qs.db == nil {
		return qs.engine.GetSequence(), nil
	}
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM clearing.projection_watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) countError(endpoint string, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
}
