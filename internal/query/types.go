package query

import "github.com/google/uuid"

// Amounts are 1e18 fixed-point big integers rendered as decimal strings;
// they do not fit in JSON numbers.

// AccountResponse is the trader's account summary.
type AccountResponse struct {
	Trader            uuid.UUID `json:"trader"`
	AccountValue      string    `json:"account_value"`
	OwedRealizedPnl   string    `json:"owed_realized_pnl"`
	MarginRequirement string    `json:"margin_requirement"`
	IsLiquidatable    bool      `json:"is_liquidatable"`
	Markets           []string  `json:"markets"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// PositionResponse is one taker position.
type PositionResponse struct {
	Trader       uuid.UUID `json:"trader"`
	Market       string    `json:"market"`
	PositionSize string    `json:"position_size"`
	OpenNotional string    `json:"open_notional"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OpenOrderResponse is one maker range order.
type OpenOrderResponse struct {
	Maker        uuid.UUID `json:"maker"`
	Market       string    `json:"market"`
	Liquidity    string    `json:"liquidity"`
	PendingFee   string    `json:"pending_fee"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FundingHistoryResponse is one settled funding payment. Payment is
// positive when the trader paid.
type FundingHistoryResponse struct {
	Trader       uuid.UUID `json:"trader"`
	Market       string    `json:"market"`
	Payment      string    `json:"payment"`
	TwPremium    string    `json:"tw_premium"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is one executed forced close.
type LiquidationHistoryResponse struct {
	Trader         uuid.UUID `json:"trader"`
	Liquidator     uuid.UUID `json:"liquidator"`
	Market         string    `json:"market"`
	ClosedSize     string    `json:"closed_size"`
	ClosedNotional string    `json:"closed_notional"`
	Penalty        string    `json:"penalty"`
	IsBackstop     bool      `json:"is_backstop"`
	Sequence       int64     `json:"sequence"`
	Timestamp      int64     `json:"timestamp"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// SystemStatusResponse reports the engine's chain tip and insurance fund.
type SystemStatusResponse struct {
	Sequence      int64  `json:"sequence"`
	StateHash     string `json:"state_hash"`
	InsuranceFund string `json:"insurance_fund"`
	ProjectionLag int64  `json:"projection_lag"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
}

// IntegrityReport is the result of an event-log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	TipSequence     int64   `json:"tip_sequence"`
	TipMatchesLog   bool    `json:"tip_matches_log"`
}
