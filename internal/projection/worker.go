package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"ClearingHouse/internal/core"
	"ClearingHouse/internal/event"
)

// ProjectionWorker updates the history projection and its Postgres tables
// from applied events. The projection channel is non-blocking with drop on
// the engine side: if this worker falls behind, projections lag and are
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	history   *HistoryProjection
	inputChan <-chan core.CoreOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, history *HistoryProjection, inputChan <-chan core.CoreOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		history:   history,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent and
				// rebuilt from the event log when needed
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope

	switch env.EventType {
	case event.EventTypeFundingSettled:
		var payload event.FundingSettled
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode FundingSettled: %w", err)
		}
		if pw.history != nil {
			pw.history.AddFunding(FundingHistoryEntry{
				Trader:    payload.Trader,
				Market:    payload.Market,
				Payment:   payload.Payment,
				TwPremium: payload.TwPremium,
				Sequence:  env.Sequence,
				Timestamp: env.Timestamp,
			})
		}
		return pw.writeFundingRow(ctx, env.Sequence, &payload, env)

	case event.EventTypePositionLiquidated:
		var payload event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode PositionLiquidated: %w", err)
		}
		if pw.history != nil {
			pw.history.AddLiquidation(LiquidationHistoryEntry{
				Trader:         payload.Trader,
				Liquidator:     payload.Liquidator,
				Market:         payload.Market,
				ClosedSize:     payload.ClosedSize,
				ClosedNotional: payload.ClosedNotional,
				Penalty:        payload.Penalty,
				IsBackstop:     payload.IsBackstop,
				Sequence:       env.Sequence,
				Timestamp:      env.Timestamp,
			})
		}
		return pw.writeLiquidationRow(ctx, env.Sequence, &payload, env)

	default:
		// Position and liquidity changes are served from engine state
		// directly; only history projections need materializing.
		return pw.updateWatermark(ctx, env.Sequence)
	}
}

func (pw *ProjectionWorker) writeFundingRow(ctx context.Context, seq int64, payload *event.FundingSettled, env *event.EventEnvelope) error {
	if pw.db == nil {
		return nil
	}
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.funding_history (sequence, trader, market, payment, tw_premium, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, payload.Trader, payload.Market, payload.Payment.String(), payload.TwPremium.String(), env.Timestamp); err != nil {
		return fmt.Errorf("funding history insert: %w", err)
	}

	if err := watermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) writeLiquidationRow(ctx context.Context, seq int64, payload *event.PositionLiquidated, env *event.EventEnvelope) error {
	if pw.db == nil {
		return nil
	}
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.liquidation_history
			(sequence, trader, liquidator, market, closed_size, closed_notional, penalty, is_backstop, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, payload.Trader, payload.Liquidator, payload.Market,
		payload.ClosedSize.String(), payload.ClosedNotional.String(), payload.Penalty.String(),
		payload.IsBackstop, env.Timestamp); err != nil {
		return fmt.Errorf("liquidation history insert: %w", err)
	}

	if err := watermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) updateWatermark(ctx context.Context, seq int64) error {
	if pw.db == nil {
		return nil
	}
	_, err := pw.db.ExecContext(ctx, `
		INSERT INTO clearing.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq)
	return err
}

func watermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rebuilds the history tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE clearing.funding_history`,
		`TRUNCATE clearing.liquidation_history`,
		`DELETE FROM clearing.projection_watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO clearing.funding_history (sequence, trader, market, payment, tw_premium, settled_at)
		SELECT
			sequence,
			(payload->>'trader')::uuid,
			payload->>'market',
			(payload->>'payment')::numeric,
			(payload->>'tw_premium')::numeric,
			timestamp
		FROM clearing.events
		WHERE event_type = 'FundingSettled'
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild funding history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO clearing.liquidation_history
			(sequence, trader, liquidator, market, closed_size, closed_notional, penalty, is_backstop, executed_at)
		SELECT
			sequence,
			(payload->>'trader')::uuid,
			(payload->>'liquidator')::uuid,
			payload->>'market',
			(payload->>'closed_size')::numeric,
			(payload->>'closed_notional')::numeric,
			(payload->>'penalty')::numeric,
			(payload->>'is_backstop')::boolean,
			timestamp
		FROM clearing.events
		WHERE event_type = 'PositionLiquidated'
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
