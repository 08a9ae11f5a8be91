package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"ClearingHouse/internal/core"

	"github.com/google/uuid"
)

// Operation is a parsed, typed operation request ready for the engine.
// Exactly one of the params pointers is set, matching Type.
type Operation struct {
	Type           string
	RequestID      string
	Partition      string // ordering key: market for market ops, trader otherwise
	SourceSequence int64

	Open      *core.OpenPositionParams
	Close     *core.ClosePositionParams
	Liquidate *core.LiquidateParams
	Cancel    *core.CancelOpenOrderParams
	AddLiq    *core.AddLiquidityParams
	RemoveLiq *core.RemoveLiquidityParams
	SettleAll *core.SettleAllFundingParams
}

// ParseRawRequest converts a RawRequest (JSON bytes + operation type string)
// into a typed Operation. The ingestion shell validates and converts raw
// requests before handing them to the serialized engine.
func ParseRawRequest(raw RawRequest, opType string) (*Operation, error) {
	switch opType {
	case "OpenPosition":
		return parseOpenPosition(raw.Data)
	case "ClosePosition":
		return parseClosePosition(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "CancelOpenOrder":
		return parseCancelOpenOrder(raw.Data)
	case "AddLiquidity":
		return parseAddLiquidity(raw.Data)
	case "RemoveLiquidity":
		return parseRemoveLiquidity(raw.Data)
	case "SettleAllFunding":
		return parseSettleAllFunding(raw.Data)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings: 18-decimal fixed point does not fit in int64.

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid decimal %q", field, s)
	}
	return v, nil
}

type openPositionJSON struct {
	RequestID     string `json:"request_id"`
	Trader        string `json:"trader"`
	Market        string `json:"market"`
	IsBaseToQuote bool   `json:"is_base_to_quote"`
	IsExactInput  bool   `json:"is_exact_input"`
	Amount        string `json:"amount"`
	Deadline      int64  `json:"deadline"`
	SourceSeq     int64  `json:"source_seq"`
}

func parseOpenPosition(data []byte) (*Operation, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "OpenPosition",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		Open: &core.OpenPositionParams{
			RequestID:     j.RequestID,
			Trader:        trader,
			Market:        j.Market,
			IsBaseToQuote: j.IsBaseToQuote,
			IsExactInput:  j.IsExactInput,
			Amount:        amount,
			Deadline:      j.Deadline,
		},
	}, nil
}

type closePositionJSON struct {
	RequestID string `json:"request_id"`
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	Deadline  int64  `json:"deadline"`
	SourceSeq int64  `json:"source_seq"`
}

func parseClosePosition(data []byte) (*Operation, error) {
	var j closePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClosePosition: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "ClosePosition",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		Close: &core.ClosePositionParams{
			RequestID: j.RequestID,
			Trader:    trader,
			Market:    j.Market,
			Deadline:  j.Deadline,
		},
	}, nil
}

type liquidateJSON struct {
	RequestID  string `json:"request_id"`
	Liquidator string `json:"liquidator"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`
	Deadline   int64  `json:"deadline"`
	SourceSeq  int64  `json:"source_seq"`
}

func parseLiquidate(data []byte) (*Operation, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "Liquidate",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		Liquidate: &core.LiquidateParams{
			RequestID:  j.RequestID,
			Liquidator: liquidator,
			Trader:     trader,
			Market:     j.Market,
			Deadline:   j.Deadline,
		},
	}, nil
}

type cancelOpenOrderJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Maker     string `json:"maker"`
	Market    string `json:"market"`
	Deadline  int64  `json:"deadline"`
	SourceSeq int64  `json:"source_seq"`
}

func parseCancelOpenOrder(data []byte) (*Operation, error) {
	var j cancelOpenOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOpenOrder: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "CancelOpenOrder",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		Cancel: &core.CancelOpenOrderParams{
			RequestID: j.RequestID,
			Caller:    caller,
			Maker:     maker,
			Market:    j.Market,
			Deadline:  j.Deadline,
		},
	}, nil
}

type addLiquidityJSON struct {
	RequestID string `json:"request_id"`
	Maker     string `json:"maker"`
	Market    string `json:"market"`
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Deadline  int64  `json:"deadline"`
	SourceSeq int64  `json:"source_seq"`
}

func parseAddLiquidity(data []byte) (*Operation, error) {
	var j addLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddLiquidity: %w", err)
	}
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	base, err := parseAmount("base", j.Base)
	if err != nil {
		return nil, err
	}
	quote, err := parseAmount("quote", j.Quote)
	if err != nil {
		return nil, err
	}
	if base.Sign() < 0 || quote.Sign() < 0 {
		return nil, fmt.Errorf("base and quote must be non-negative")
	}
	if base.Sign() == 0 && quote.Sign() == 0 {
		return nil, fmt.Errorf("base and quote both zero")
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "AddLiquidity",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		AddLiq: &core.AddLiquidityParams{
			RequestID: j.RequestID,
			Maker:     maker,
			Market:    j.Market,
			Base:      base,
			Quote:     quote,
			Deadline:  j.Deadline,
		},
	}, nil
}

type removeLiquidityJSON struct {
	RequestID string `json:"request_id"`
	Maker     string `json:"maker"`
	Market    string `json:"market"`
	Liquidity string `json:"liquidity"`
	MinBase   string `json:"min_base"`
	MinQuote  string `json:"min_quote"`
	Deadline  int64  `json:"deadline"`
	SourceSeq int64  `json:"source_seq"`
}

func parseRemoveLiquidity(data []byte) (*Operation, error) {
	var j removeLiquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemoveLiquidity: %w", err)
	}
	maker, err := uuid.Parse(j.Maker)
	if err != nil {
		return nil, fmt.Errorf("parse maker: %w", err)
	}
	liquidity, err := parseAmount("liquidity", j.Liquidity)
	if err != nil {
		return nil, err
	}
	if liquidity.Sign() <= 0 {
		return nil, fmt.Errorf("liquidity must be positive, got %s", liquidity)
	}
	minBase, err := parseAmount("min_base", j.MinBase)
	if err != nil {
		return nil, err
	}
	minQuote, err := parseAmount("min_quote", j.MinQuote)
	if err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, fmt.Errorf("missing market")
	}

	return &Operation{
		Type:           "RemoveLiquidity",
		RequestID:      j.RequestID,
		Partition:      j.Market,
		SourceSequence: j.SourceSeq,
		RemoveLiq: &core.RemoveLiquidityParams{
			RequestID: j.RequestID,
			Maker:     maker,
			Market:    j.Market,
			Liquidity: liquidity,
			MinBase:   minBase,
			MinQuote:  minQuote,
			Deadline:  j.Deadline,
		},
	}, nil
}

type settleAllFundingJSON struct {
	RequestID string `json:"request_id"`
	Trader    string `json:"trader"`
	Deadline  int64  `json:"deadline"`
	SourceSeq int64  `json:"source_seq"`
}

func parseSettleAllFunding(data []byte) (*Operation, error) {
	var j settleAllFundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleAllFunding: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}

	return &Operation{
		Type:           "SettleAllFunding",
		RequestID:      j.RequestID,
		Partition:      j.Trader,
		SourceSequence: j.SourceSeq,
		SettleAll: &core.SettleAllFundingParams{
			RequestID: j.RequestID,
			Trader:    trader,
			Deadline:  j.Deadline,
		},
	}, nil
}
