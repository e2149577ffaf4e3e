package database

// Position side and status constants.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"

	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Trade side and type constants.
const (
	TradeSideBuy  = "BUY"
	TradeSideSell = "SELL"

	TradeTypeEntry = "ENTRY"
	TradeTypeExit  = "EXIT"
)

// Ledger entry types.
const (
	LedgerFee         = "fee"
	LedgerRealizedPnl = "realized_pnl"
	LedgerFunding     = "funding"
)

// Kline is one persisted candlestick. Identity is (symbol, interval,
// open_time); upserts are idempotent on that key. Only closed bars are
// written.
type Kline struct {
	ID        int64   `gorm:"primaryKey" json:"id"`
	Symbol    string  `gorm:"uniqueIndex:idx_klines_key;size:32" json:"symbol"`
	Interval  string  `gorm:"uniqueIndex:idx_klines_key;size:8" json:"interval"`
	OpenTime  int64   `gorm:"uniqueIndex:idx_klines_key" json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int     `json:"trades"`
	IsClosed  bool    `json:"is_closed"`
	Source    string  `gorm:"size:8" json:"source"`
	CreatedAt int64   `gorm:"autoCreateTime:milli" json:"created_at"`
}

// Position is the persisted record of a simulated position. At most one OPEN
// row exists per (symbol, strategy); the opener checks before inserting.
type Position struct {
	ID          int64    `gorm:"primaryKey" json:"position_id"`
	Strategy    string   `gorm:"index:idx_positions_lookup;size:64;default:default" json:"strategy"`
	Symbol      string   `gorm:"index:idx_positions_lookup;size:32" json:"symbol"`
	Side        string   `gorm:"size:8" json:"side"`
	Qty         float64  `json:"qty"`
	EntryPrice  float64  `json:"entry_price"`
	EntryTime   int64    `json:"entry_time"`
	Leverage    int      `json:"leverage"`
	Margin      float64  `json:"margin"`
	StopPrice   *float64 `json:"stop_price"`
	TP1Price    *float64 `json:"tp1_price"`
	TP2Price    *float64 `json:"tp2_price"`
	TP1Hit      bool     `json:"tp1_hit"`
	Status      string   `gorm:"index:idx_positions_lookup;size:8" json:"status"`
	RealizedPnl float64  `json:"realized_pnl"`
	FeesTotal   float64  `json:"fees_total"`
	LiqPrice    *float64 `json:"liq_price"`
	CloseTime   *int64   `json:"close_time"`
	CloseReason *string  `json:"close_reason"`
	CreatedAt   int64    `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64    `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// Trade is an immutable fill record, append-only.
type Trade struct {
	ID         int64   `gorm:"primaryKey" json:"id"`
	Strategy   string  `gorm:"index:idx_trades_strategy_ts;size:64;default:default" json:"strategy"`
	Symbol     string  `gorm:"size:32" json:"symbol"`
	PositionID int64   `gorm:"index" json:"position_id"`
	Side       string  `gorm:"size:8" json:"side"`
	TradeType  string  `gorm:"size:8" json:"trade_type"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	Notional   float64 `json:"notional"`
	FeeAmount  float64 `json:"fee_amount"`
	FeeRate    float64 `json:"fee_rate"`
	Timestamp  int64   `gorm:"index:idx_trades_strategy_ts" json:"timestamp"`
	Reason     string  `json:"reason"`
	CreatedAt  int64   `gorm:"autoCreateTime:milli" json:"created_at"`
}

// LedgerEntry is one signed balance movement: fees (negative), realized pnl
// (signed), funding (signed by side).
type LedgerEntry struct {
	ID        int64   `gorm:"primaryKey" json:"id"`
	Strategy  string  `gorm:"index:idx_ledger_strategy_ts;size:64;default:default" json:"strategy"`
	Timestamp int64   `gorm:"index:idx_ledger_strategy_ts" json:"timestamp"`
	Type      string  `gorm:"index;size:16" json:"type"`
	Amount    float64 `json:"amount"`
	Currency  string  `gorm:"size:16" json:"currency"`
	Symbol    string  `gorm:"size:32" json:"symbol"`
	Ref       string  `gorm:"index;size:64" json:"ref"`
	Note      string  `json:"note"`
	CreatedAt int64   `gorm:"autoCreateTime:milli" json:"created_at"`
}

// EquitySnapshot is an append-only account checkpoint per strategy.
type EquitySnapshot struct {
	ID         int64   `gorm:"primaryKey" json:"id"`
	Strategy   string  `gorm:"index:idx_equity_strategy_ts;size:64;default:default" json:"strategy"`
	Timestamp  int64   `gorm:"index:idx_equity_strategy_ts" json:"timestamp"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Upl        float64 `json:"upl"`
	MarginUsed float64 `json:"margin_used"`
	FreeMargin float64 `json:"free_margin"`
}

// Alert records every alert emission attempt, including suppressed ones
// (channel "disabled") and failed fanouts (channel "none").
type Alert struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	Strategy  string `gorm:"size:64;default:default" json:"strategy"`
	Timestamp int64  `gorm:"index" json:"timestamp"`
	Channel   string `gorm:"size:16" json:"channel"`
	Level     string `gorm:"size:8" json:"level"`
	Message   string `json:"message"`
	DedupKey  string `gorm:"size:128" json:"dedup_key"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// AppState is a small key/value table for runtime state that must survive
// restarts (persisted account balances and the like).
type AppState struct {
	Key       string `gorm:"primaryKey;size:64" json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Kline) TableName() string          { return "klines" }
func (Position) TableName() string       { return "positions" }
func (Trade) TableName() string          { return "trades" }
func (LedgerEntry) TableName() string    { return "ledger" }
func (EquitySnapshot) TableName() string { return "equity_snapshots" }
func (Alert) TableName() string          { return "alerts" }
func (AppState) TableName() string       { return "app_state" }
