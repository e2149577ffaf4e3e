package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListFilter narrows history queries. Zero values mean "no constraint";
// Limit defaults to 100 and is capped at 1000.
type ListFilter struct {
	Strategy string
	Since    *int64
	Until    *int64
	Limit    int
	Offset   int
}

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 1000:
		return 1000
	default:
		return f.Limit
	}
}

func (f ListFilter) apply(q *gorm.DB, tsColumn string) *gorm.DB {
	if f.Strategy != "" {
		q = q.Where("strategy = ?", f.Strategy)
	}
	if f.Since != nil {
		q = q.Where(tsColumn+" >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where(tsColumn+" <= ?", *f.Until)
	}
	return q.Limit(f.limit()).Offset(f.Offset)
}

// UpsertKline inserts a closed bar, or refreshes the value columns when a row
// with the same (symbol, interval, open_time) already exists.
func (s *Store) UpsertKline(k *Kline) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"close_time", "open", "high", "low", "close", "volume", "trades", "is_closed", "source",
		}),
	}).Create(k).Error
}

// RecentKlines returns the newest limit closed bars ascending by open_time.
func (s *Store) RecentKlines(symbol, interval string, limit int) ([]Kline, error) {
	var rows []Kline
	err := s.db.
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("open_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// KlineCount reports how many closed bars are stored for an interval.
func (s *Store) KlineCount(symbol, interval string) (int64, error) {
	var n int64
	err := s.db.Model(&Kline{}).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Count(&n).Error
	return n, err
}

// InsertTrade appends a fill record and fills in its id.
func (s *Store) InsertTrade(t *Trade) error {
	return s.db.Create(t).Error
}

// InsertLedger appends a signed balance movement.
func (s *Store) InsertLedger(e *LedgerEntry) error {
	return s.db.Create(e).Error
}

// InsertEquitySnapshot appends one account checkpoint.
func (s *Store) InsertEquitySnapshot(e *EquitySnapshot) error {
	return s.db.Create(e).Error
}

// InsertAlert appends one alert record.
func (s *Store) InsertAlert(a *Alert) error {
	return s.db.Create(a).Error
}

// CreatePosition inserts a new OPEN position row. The caller is responsible
// for the single-open-position check.
func (s *Store) CreatePosition(p *Position) error {
	if p.Status == "" {
		p.Status = StatusOpen
	}
	return s.db.Create(p).Error
}

// SavePosition rewrites an existing position row (partial close, stop move).
func (s *Store) SavePosition(p *Position) error {
	if p.ID == 0 {
		return fmt.Errorf("save position: missing id")
	}
	return s.db.Save(p).Error
}

// ClosePosition finalizes a position row.
func (s *Store) ClosePosition(id int64, realizedPnl, feesTotal float64, liqPrice *float64, closeTime int64, closeReason string) error {
	return s.db.Model(&Position{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusClosed,
			"realized_pnl": realizedPnl,
			"fees_total":   feesTotal,
			"liq_price":    liqPrice,
			"close_time":   closeTime,
			"close_reason": closeReason,
		}).Error
}

// GetOpenPosition returns the newest OPEN position for (symbol, strategy),
// falling back to rows persisted under "default" by earlier single-strategy
// deployments. Returns nil when there is none.
func (s *Store) GetOpenPosition(symbol, strategy string) (*Position, error) {
	lookup := func(strat string) (*Position, error) {
		var p Position
		err := s.db.
			Where("symbol = ? AND strategy = ? AND status = ?", symbol, strat, StatusOpen).
			Order("entry_time DESC").
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	}

	p, err := lookup(strategy)
	if err != nil || p != nil {
		return p, err
	}
	if strategy != "default" {
		return lookup("default")
	}
	return nil, nil
}

// ListTrades returns fills newest-first.
func (s *Store) ListTrades(f ListFilter) ([]Trade, error) {
	var rows []Trade
	err := f.apply(s.db.Order("timestamp DESC"), "timestamp").Find(&rows).Error
	return rows, err
}

// ListPositions returns position records newest-first by entry time.
func (s *Store) ListPositions(f ListFilter) ([]Position, error) {
	var rows []Position
	err := f.apply(s.db.Order("entry_time DESC"), "entry_time").Find(&rows).Error
	return rows, err
}

// ListLedger returns ledger entries newest-first.
func (s *Store) ListLedger(f ListFilter) ([]LedgerEntry, error) {
	var rows []LedgerEntry
	err := f.apply(s.db.Order("timestamp DESC"), "timestamp").Find(&rows).Error
	return rows, err
}

// ListEquitySnapshots returns snapshots newest-first.
func (s *Store) ListEquitySnapshots(f ListFilter) ([]EquitySnapshot, error) {
	var rows []EquitySnapshot
	err := f.apply(s.db.Order("timestamp DESC"), "timestamp").Find(&rows).Error
	return rows, err
}

// LatestEquitySnapshot returns the newest snapshot for a strategy, nil when
// none exists.
func (s *Store) LatestEquitySnapshot(strategy string) (*EquitySnapshot, error) {
	var e EquitySnapshot
	err := s.db.
		Where("strategy = ?", strategy).
		Order("timestamp DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// HasFundingEntry reports whether a funding settlement with this ref was
// already booked for the strategy. Checked before every funding insert so a
// settlement applies at most once.
func (s *Store) HasFundingEntry(strategy, ref string) (bool, error) {
	var n int64
	err := s.db.Model(&LedgerEntry{}).
		Where("strategy = ? AND type = ? AND ref = ?", strategy, LedgerFunding, ref).
		Count(&n).Error
	return n > 0, err
}

// ListAlerts returns the newest limit alert records.
func (s *Store) ListAlerts(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Alert
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// GetAppState reads one key; ok is false when the key is absent.
func (s *Store) GetAppState(key string) (value string, ok bool, err error) {
	var row AppState
	err = s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// SetAppState writes one key.
func (s *Store) SetAppState(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&AppState{Key: key, Value: value}).Error
}

// StrategyStats summarizes closed positions for the stats endpoint. TP1 never
// finalizes a row on its own, so TP1Closes counts closed positions whose TP1
// leg filled at some point; TP2Closes and StopCloses count final close
// reasons.
type StrategyStats struct {
	ClosedPositions int64 `json:"closed_positions"`
	TP1Closes       int64 `json:"tp1_closes"`
	TP2Closes       int64 `json:"tp2_closes"`
	StopCloses      int64 `json:"stop_closes"`
}

// GetStrategyStats counts closed positions, their close reasons, and how many
// took the TP1 partial on the way out.
func (s *Store) GetStrategyStats(symbol, strategy string) (*StrategyStats, error) {
	var out StrategyStats
	closed := func() *gorm.DB {
		return s.db.Model(&Position{}).
			Where("symbol = ? AND strategy = ? AND status = ?", symbol, strategy, StatusClosed)
	}

	if err := closed().Count(&out.ClosedPositions).Error; err != nil {
		return nil, err
	}
	if err := closed().Where("tp1_hit = ?", true).Count(&out.TP1Closes).Error; err != nil {
		return nil, err
	}
	type reasonCount struct {
		CloseReason string
		N           int64
	}
	var rows []reasonCount
	err := closed().
		Select("close_reason, COUNT(*) AS n").
		Group("close_reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.CloseReason {
		case "tp2":
			out.TP2Closes = r.N
		case "stop":
			out.StopCloses = r.N
		}
	}
	return &out, nil
}
