package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"ClearingHouse/internal/core"
	"ClearingHouse/internal/state"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading engine state snapshots for
// recovery. Snapshots contain positions, owed PnL, the liquidity book,
// funding growth, request watermarks, and the state hash chain tip. On warm
// restart the engine loads the latest snapshot, then replays events from
// snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable engine state at a sequence boundary.
// All fixed-point amounts are decimal strings: 18-decimal values exceed
// int64 and JSON numbers lose precision past 2^53.
type SnapshotData struct {
	Sequence          int64              `json:"sequence"`
	StateHash         []byte             `json:"state_hash"`
	Positions         []TakerPositionRow `json:"positions"`
	OwedRealizedPnl   []OwedPnlRow       `json:"owed_realized_pnl"`
	AccountMarkets    []AccountRow       `json:"account_markets"`
	InsuranceFund     string             `json:"insurance_fund"`
	Orders            []OpenOrderRow     `json:"orders"`
	MarketLiquidity   []MarketRow        `json:"market_liquidity"`
	FundingGrowth     []GrowthRow        `json:"funding_growth"`
	RequestWatermarks map[string]int64   `json:"request_watermarks"`
	CreatedAt         time.Time          `json:"created_at"`
}

// TakerPositionRow is a serializable taker position.
type TakerPositionRow struct {
	Trader            string `json:"trader"`
	Market            string `json:"market"`
	PositionSize      string `json:"position_size"`
	OpenNotional      string `json:"open_notional"`
	LastTwPremiumGlob string `json:"last_tw_premium_global"`
}

type OwedPnlRow struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
}

type AccountRow struct {
	Trader  string   `json:"trader"`
	Markets []string `json:"markets"`
}

// OpenOrderRow is a serializable maker order.
type OpenOrderRow struct {
	Maker                string `json:"maker"`
	Market               string `json:"market"`
	Liquidity            string `json:"liquidity"`
	LastFeeIndex         string `json:"last_fee_index"`
	LastTwPremium        string `json:"last_tw_premium"`
	LastTwPremiumWithLiq string `json:"last_tw_premium_with_liquidity"`
	BaseDebt             string `json:"base_debt"`
	QuoteDebt            string `json:"quote_debt"`
}

type MarketRow struct {
	Market         string `json:"market"`
	TotalLiquidity string `json:"total_liquidity"`
	FeeIndex       string `json:"fee_index"`
}

type GrowthRow struct {
	Market                 string `json:"market"`
	TwPremium              string `json:"tw_premium"`
	TwPremiumWithLiquidity string `json:"tw_premium_with_liquidity"`
	LastUpdated            int64  `json:"last_updated"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineState converts an exported engine state into snapshot rows.
// Rows are sorted so identical states always serialize identically.
func FromEngineState(st *core.EngineState, watermarks map[string]int64) *SnapshotData {
	snap := &SnapshotData{
		Sequence:          st.Sequence,
		StateHash:         st.StateHash[:],
		InsuranceFund:     st.Ledger.InsuranceFund.String(),
		RequestWatermarks: watermarks,
		CreatedAt:         time.Now().UTC(),
	}

	for key, pos := range st.Ledger.Positions {
		snap.Positions = append(snap.Positions, TakerPositionRow{
			Trader:            key.Trader.String(),
			Market:            key.Market,
			PositionSize:      pos.PositionSize.String(),
			OpenNotional:      pos.OpenNotional.String(),
			LastTwPremiumGlob: pos.LastTwPremiumGrowthGlobal.String(),
		})
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		if snap.Positions[i].Trader != snap.Positions[j].Trader {
			return snap.Positions[i].Trader < snap.Positions[j].Trader
		}
		return snap.Positions[i].Market < snap.Positions[j].Market
	})

	for trader, amount := range st.Ledger.OwedRealizedPnl {
		snap.OwedRealizedPnl = append(snap.OwedRealizedPnl, OwedPnlRow{
			Trader: trader.String(),
			Amount: amount.String(),
		})
	}
	sort.Slice(snap.OwedRealizedPnl, func(i, j int) bool {
		return snap.OwedRealizedPnl[i].Trader < snap.OwedRealizedPnl[j].Trader
	})

	for trader, markets := range st.Ledger.AccountMarkets {
		snap.AccountMarkets = append(snap.AccountMarkets, AccountRow{
			Trader:  trader.String(),
			Markets: append([]string(nil), markets...),
		})
	}
	sort.Slice(snap.AccountMarkets, func(i, j int) bool {
		return snap.AccountMarkets[i].Trader < snap.AccountMarkets[j].Trader
	})

	for key, order := range st.Book.Orders {
		snap.Orders = append(snap.Orders, OpenOrderRow{
			Maker:                key.Trader.String(),
			Market:               key.Market,
			Liquidity:            order.Liquidity.String(),
			LastFeeIndex:         order.LastFeeIndex.String(),
			LastTwPremium:        order.LastTwPremiumGrowth.String(),
			LastTwPremiumWithLiq: order.LastTwPremiumWithLiquidityGrowth.String(),
			BaseDebt:             order.BaseDebt.String(),
			QuoteDebt:            order.QuoteDebt.String(),
		})
	}
	sort.Slice(snap.Orders, func(i, j int) bool {
		if snap.Orders[i].Maker != snap.Orders[j].Maker {
			return snap.Orders[i].Maker < snap.Orders[j].Maker
		}
		return snap.Orders[i].Market < snap.Orders[j].Market
	})

	for market, ml := range st.Book.Markets {
		snap.MarketLiquidity = append(snap.MarketLiquidity, MarketRow{
			Market:         market,
			TotalLiquidity: ml.TotalLiquidity.String(),
			FeeIndex:       ml.FeeIndex.String(),
		})
	}
	sort.Slice(snap.MarketLiquidity, func(i, j int) bool {
		return snap.MarketLiquidity[i].Market < snap.MarketLiquidity[j].Market
	})

	for market, growth := range st.Growth {
		snap.FundingGrowth = append(snap.FundingGrowth, GrowthRow{
			Market:                 market,
			TwPremium:              growth.Growth.TwPremium.String(),
			TwPremiumWithLiquidity: growth.Growth.TwPremiumWithLiquidity.String(),
			LastUpdated:            growth.LastUpdated,
		})
	}
	sort.Slice(snap.FundingGrowth, func(i, j int) bool {
		return snap.FundingGrowth[i].Market < snap.FundingGrowth[j].Market
	})

	return snap
}

// EngineState converts snapshot rows back into an importable engine state.
func (s *SnapshotData) EngineState() (*core.EngineState, error) {
	st := &core.EngineState{
		Sequence: s.Sequence,
		Ledger: &state.LedgerSnapshot{
			Positions:       make(map[state.PositionKey]*state.TakerPosition, len(s.Positions)),
			OwedRealizedPnl: make(map[uuid.UUID]*big.Int, len(s.OwedRealizedPnl)),
			AccountMarkets:  make(map[uuid.UUID][]string, len(s.AccountMarkets)),
		},
		Book: &state.BookSnapshot{
			Orders:  make(map[state.PositionKey]*state.LPPosition, len(s.Orders)),
			Markets: make(map[string]state.MarketLiquiditySnapshot, len(s.MarketLiquidity)),
		},
		Growth: make(map[string]state.GrowthSnapshot, len(s.FundingGrowth)),
	}
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("state hash length %d, want 32", len(s.StateHash))
	}
	copy(st.StateHash[:], s.StateHash)

	fund, err := parseBig("insurance_fund", s.InsuranceFund)
	if err != nil {
		return nil, err
	}
	st.Ledger.InsuranceFund = fund

	for _, row := range s.Positions {
		trader, err := uuid.Parse(row.Trader)
		if err != nil {
			return nil, fmt.Errorf("parse position trader: %w", err)
		}
		size, err := parseBig("position_size", row.PositionSize)
		if err != nil {
			return nil, err
		}
		notional, err := parseBig("open_notional", row.OpenNotional)
		if err != nil {
			return nil, err
		}
		premium, err := parseBig("last_tw_premium_global", row.LastTwPremiumGlob)
		if err != nil {
			return nil, err
		}
		st.Ledger.Positions[state.PositionKey{Trader: trader, Market: row.Market}] = &state.TakerPosition{
			PositionSize:              size,
			OpenNotional:              notional,
			LastTwPremiumGrowthGlobal: premium,
		}
	}

	for _, row := range s.OwedRealizedPnl {
		trader, err := uuid.Parse(row.Trader)
		if err != nil {
			return nil, fmt.Errorf("parse owed trader: %w", err)
		}
		amount, err := parseBig("owed amount", row.Amount)
		if err != nil {
			return nil, err
		}
		st.Ledger.OwedRealizedPnl[trader] = amount
	}

	for _, row := range s.AccountMarkets {
		trader, err := uuid.Parse(row.Trader)
		if err != nil {
			return nil, fmt.Errorf("parse account trader: %w", err)
		}
		st.Ledger.AccountMarkets[trader] = append([]string(nil), row.Markets...)
	}

	for _, row := range s.Orders {
		maker, err := uuid.Parse(row.Maker)
		if err != nil {
			return nil, fmt.Errorf("parse order maker: %w", err)
		}
		order := &state.LPPosition{}
		if order.Liquidity, err = parseBig("liquidity", row.Liquidity); err != nil {
			return nil, err
		}
		if order.LastFeeIndex, err = parseBig("last_fee_index", row.LastFeeIndex); err != nil {
			return nil, err
		}
		if order.LastTwPremiumGrowth, err = parseBig("last_tw_premium", row.LastTwPremium); err != nil {
			return nil, err
		}
		if order.LastTwPremiumWithLiquidityGrowth, err = parseBig("last_tw_premium_with_liquidity", row.LastTwPremiumWithLiq); err != nil {
			return nil, err
		}
		if order.BaseDebt, err = parseBig("base_debt", row.BaseDebt); err != nil {
			return nil, err
		}
		if order.QuoteDebt, err = parseBig("quote_debt", row.QuoteDebt); err != nil {
			return nil, err
		}
		st.Book.Orders[state.PositionKey{Trader: maker, Market: row.Market}] = order
	}

	for _, row := range s.MarketLiquidity {
		total, err := parseBig("total_liquidity", row.TotalLiquidity)
		if err != nil {
			return nil, err
		}
		feeIndex, err := parseBig("fee_index", row.FeeIndex)
		if err != nil {
			return nil, err
		}
		st.Book.Markets[row.Market] = state.MarketLiquiditySnapshot{
			TotalLiquidity: total,
			FeeIndex:       feeIndex,
		}
	}

	for _, row := range s.FundingGrowth {
		premium, err := parseBig("tw_premium", row.TwPremium)
		if err != nil {
			return nil, err
		}
		premiumWithLiq, err := parseBig("tw_premium_with_liquidity", row.TwPremiumWithLiquidity)
		if err != nil {
			return nil, err
		}
		st.Growth[row.Market] = state.GrowthSnapshot{
			Growth: state.Growth{
				TwPremium:              premium,
				TwPremiumWithLiquidity: premiumWithLiq,
			},
			LastUpdated: row.LastUpdated,
		}
	}

	return st, nil
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid decimal %q", field, s)
	}
	return v, nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before being trusted for restarts.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO clearing.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM clearing.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE clearing.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, operation_key, market_id, payload,
		       state_hash, prev_hash, timestamp
		FROM clearing.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.OperationKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM clearing.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
