package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/logging"
	"binance-sim-trader/internal/strategy"
)

// Account is the simulated isolated-margin account of one strategy.
type Account struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	UPL        float64 `json:"upl"`
	MarginUsed float64 `json:"margin_used"`
	FreeMargin float64 `json:"free_margin"`
}

// book is the shared in-memory execution state: one account, at most one
// open position, and a cooldown counter per strategy. Both services mutate
// it under the same mutex.
type book struct {
	mu        sync.Mutex
	order     []string
	accounts  map[string]*Account
	positions map[string]*strategy.Position
	cooldowns map[string]int
	lastPrice float64
}

// PortfolioService owns account-level state: balances, equity, margin,
// liquidation math, funding settlement, and the periodic equity snapshots.
type PortfolioService struct {
	settings *config.Settings
	store    *database.Store
	funding  FundingSource
	alerts   Alerter
	status   StatusSink
	profiles map[string]*strategy.Profile
	book     *book
	log      zerolog.Logger
}

// New wires the portfolio and position services around a shared book. Order
// fixes which strategy feeds the flattened status payload.
func New(
	settings *config.Settings,
	store *database.Store,
	funding FundingSource,
	alerts Alerter,
	status StatusSink,
	stream StreamSink,
	profiles map[string]*strategy.Profile,
	order []string,
) (*PortfolioService, *PositionService) {
	b := &book{
		order:     append([]string(nil), order...),
		accounts:  make(map[string]*Account, len(order)),
		positions: make(map[string]*strategy.Position, len(order)),
		cooldowns: make(map[string]int, len(order)),
	}
	for _, sid := range order {
		capital := settings.Sim.InitialCapital
		if p := profiles[sid]; p != nil {
			capital = p.Sim.InitialCapital
		}
		b.accounts[sid] = newAccount(capital)
		b.positions[sid] = nil
		b.cooldowns[sid] = 0
	}

	portfolio := &PortfolioService{
		settings: settings,
		store:    store,
		funding:  funding,
		alerts:   alerts,
		status:   status,
		profiles: profiles,
		book:     b,
		log:      logging.Component("portfolio"),
	}
	positions := &PositionService{
		settings:  settings,
		store:     store,
		alerts:    alerts,
		stream:    stream,
		profiles:  profiles,
		book:      b,
		portfolio: portfolio,
		log:       logging.Component("position"),
	}
	return portfolio, positions
}

func newAccount(capital float64) *Account {
	return &Account{
		Balance:    capital,
		Equity:     capital,
		FreeMargin: capital,
	}
}

func (s *PortfolioService) SetLastPrice(price float64) {
	s.book.mu.Lock()
	s.book.lastPrice = price
	s.book.mu.Unlock()
}

func (s *PortfolioService) LastPrice() float64 {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	return s.book.lastPrice
}

// Accounts returns a snapshot of every strategy account.
func (s *PortfolioService) Accounts() map[string]Account {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	out := make(map[string]Account, len(s.book.accounts))
	for sid, acc := range s.book.accounts {
		out[sid] = *acc
	}
	return out
}

// LoadAccountState restores each account from its newest persisted equity
// snapshot, falling back to rows persisted under "default" by earlier
// single-strategy deployments.
func (s *PortfolioService) LoadAccountState() error {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	for sid, acc := range s.book.accounts {
		snap, err := s.store.LatestEquitySnapshot(sid)
		if err != nil {
			return fmt.Errorf("load account %s: %w", sid, err)
		}
		if snap == nil && sid != "default" {
			if snap, err = s.store.LatestEquitySnapshot("default"); err != nil {
				return fmt.Errorf("load account %s: %w", sid, err)
			}
		}
		if snap == nil {
			continue
		}
		acc.Balance = snap.Balance
		acc.Equity = snap.Equity
		acc.UPL = snap.Upl
		acc.MarginUsed = snap.MarginUsed
		acc.FreeMargin = snap.FreeMargin
	}
	return nil
}

// ResetAccount puts one strategy's account back to its configured initial
// capital. The caller clears the position and cooldown separately.
func (s *PortfolioService) ResetAccount(sid string) {
	capital := s.settings.Sim.InitialCapital
	if p := s.profiles[sid]; p != nil {
		capital = p.Sim.InitialCapital
	}
	s.book.mu.Lock()
	s.book.accounts[sid] = newAccount(capital)
	s.book.mu.Unlock()
}

// CalcRealizedPnl prices closing qty of the position at price.
func (s *PortfolioService) CalcRealizedPnl(pos *strategy.Position, price, qty float64) float64 {
	if pos.Side == strategy.SideLong {
		return (price - pos.EntryPrice) * qty
	}
	return (pos.EntryPrice - price) * qty
}

// CalcLiqPrice estimates the isolated-margin liquidation price for the
// strategy's open position at the given entry. Returns the entry price when
// there is no exposure or the bracket degenerates.
func (s *PortfolioService) CalcLiqPrice(sid string, entryPrice float64, side string) float64 {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	return s.calcLiqPriceLocked(sid, entryPrice, side)
}

func (s *PortfolioService) calcLiqPriceLocked(sid string, entryPrice float64, side string) float64 {
	lev := float64(s.leverage(sid))
	var qty float64
	if pos := s.book.positions[sid]; pos != nil {
		qty = pos.Qty
	}
	if qty <= 0 {
		return entryPrice
	}
	notional := entryPrice * qty
	mmr, maintAmt := s.selectMMR(sid, notional)
	margin := notional / lev
	if side == strategy.SideLong {
		denom := (mmr - 1.0) * qty
		if denom == 0 {
			return entryPrice
		}
		return (margin - entryPrice*qty - maintAmt) / denom
	}
	denom := (1.0 + mmr) * qty
	if denom == 0 {
		return entryPrice
	}
	return (margin + entryPrice*qty - maintAmt) / denom
}

// selectMMR picks the first maintenance-margin bracket whose cap covers the
// notional, or the largest bracket when all are exceeded.
func (s *PortfolioService) selectMMR(sid string, notional float64) (mmr, maintAmount float64) {
	tiers := s.settings.Risk.MMRTiers
	if p := s.profiles[sid]; p != nil && len(p.Risk.MMRTiers) > 0 {
		tiers = p.Risk.MMRTiers
	}
	sorted := append([]config.MMRTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NotionalUSDT < sorted[j].NotionalUSDT })
	for _, t := range sorted {
		if notional <= t.NotionalUSDT {
			return t.MMR, t.MaintAmount
		}
	}
	last := sorted[len(sorted)-1]
	return last.MMR, last.MaintAmount
}

func (s *PortfolioService) leverage(sid string) int {
	if p := s.profiles[sid]; p != nil && p.Sim.MaxLeverage > 0 {
		return p.Sim.MaxLeverage
	}
	return s.settings.Sim.MaxLeverage
}

// UpdateStatus revalues every account at price and publishes the first
// configured strategy's account to the status sink.
func (s *PortfolioService) UpdateStatus(price float64) {
	s.book.mu.Lock()
	for sid, acc := range s.book.accounts {
		pos := s.book.positions[sid]
		var upl, marginUsed float64
		if pos != nil {
			upl = s.CalcRealizedPnl(pos, price, pos.Qty)
			marginUsed = pos.Qty * price / float64(s.leverage(sid))
		}
		acc.UPL = upl
		acc.Equity = acc.Balance + upl
		acc.MarginUsed = marginUsed
		acc.FreeMargin = acc.Equity - marginUsed
	}

	if len(s.book.order) == 0 || s.status == nil {
		s.book.mu.Unlock()
		return
	}
	sid := s.book.order[0]
	acc := s.book.accounts[sid]
	pos := s.book.positions[sid]
	fields := map[string]any{
		"balance":       acc.Balance,
		"equity":        acc.Equity,
		"upl":           acc.UPL,
		"margin_used":   acc.MarginUsed,
		"free_margin":   acc.FreeMargin,
		"cooldown_bars": s.book.cooldowns[sid],
	}
	if pos != nil {
		fields["liq_price"] = s.calcLiqPriceLocked(sid, pos.EntryPrice, pos.Side)
		fields["position_side"] = pos.Side
		fields["position_qty"] = pos.Qty
		fields["entry_price"] = pos.EntryPrice
		fields["stop_price"] = pos.StopPrice
		fields["tp1_price"] = pos.TP1Price
		fields["tp2_price"] = pos.TP2Price
	} else {
		for _, k := range []string{"liq_price", "position_side", "position_qty", "entry_price", "stop_price", "tp1_price", "tp2_price"} {
			fields[k] = nil
		}
	}
	s.book.mu.Unlock()
	s.status.Update(fields)
}

// SnapshotEquity persists one equity checkpoint per strategy.
func (s *PortfolioService) SnapshotEquity() error {
	now := time.Now().UnixMilli()
	s.book.mu.Lock()
	rows := make([]*database.EquitySnapshot, 0, len(s.book.accounts))
	for sid, acc := range s.book.accounts {
		rows = append(rows, &database.EquitySnapshot{
			Strategy:   sid,
			Timestamp:  now,
			Balance:    acc.Balance,
			Equity:     acc.Equity,
			Upl:        acc.UPL,
			MarginUsed: acc.MarginUsed,
			FreeMargin: acc.FreeMargin,
		})
	}
	s.book.mu.Unlock()
	for _, row := range rows {
		if err := s.store.InsertEquitySnapshot(row); err != nil {
			return err
		}
	}
	return nil
}

// FundingLoop polls the funding endpoint until the context ends.
func (s *PortfolioService) FundingLoop(ctx context.Context) {
	interval := time.Duration(s.settings.Funding.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ApplyFunding(ctx, false, 0, ""); err != nil {
				s.log.Error().Err(err).Msg("funding cycle failed")
			}
		}
	}
}

// ApplyFunding settles the latest funding rate against every open position
// (or one strategy's when onlySid is set). A settlement is applied at most
// once per (strategy, funding time); unforced calls skip settlements older
// than the freshness window.
func (s *PortfolioService) ApplyFunding(ctx context.Context, force bool, priceHint float64, onlySid string) error {
	fr, err := s.funding.LatestFunding(ctx, s.settings.Binance.Symbol)
	if err != nil {
		return fmt.Errorf("fetch funding rate: %w", err)
	}
	if fr == nil {
		return nil
	}

	window := s.settings.Funding.FreshnessWindowMs
	if window <= 0 {
		window = 180_000
	}
	nowMs := time.Now().UnixMilli()
	if !force && math.Abs(float64(nowMs-fr.FundingTime)) > float64(window) {
		return nil
	}
	ref := fmt.Sprintf("%d", fr.FundingTime)

	s.book.mu.Lock()
	sids := append([]string(nil), s.book.order...)
	s.book.mu.Unlock()
	if onlySid != "" {
		sids = []string{onlySid}
	}

	settledAny := false
	settlePrice := priceHint
	for _, sid := range sids {
		s.book.mu.Lock()
		pos := s.book.positions[sid]
		lastPrice := s.book.lastPrice
		s.book.mu.Unlock()
		if pos == nil {
			continue
		}

		applied, err := s.store.HasFundingEntry(sid, ref)
		if err != nil {
			return err
		}
		if applied && !force {
			continue
		}

		price := priceHint
		if price == 0 {
			price = lastPrice
		}
		if price == 0 {
			price = pos.EntryPrice
		}
		settlePrice = price
		sign := 1.0
		if pos.Side == strategy.SideShort {
			sign = -1.0
		}
		pnl := pos.Qty * price * fr.Rate * sign

		s.book.mu.Lock()
		s.book.accounts[sid].Balance += pnl
		s.book.mu.Unlock()

		if err := s.store.InsertLedger(&database.LedgerEntry{
			Strategy:  sid,
			Timestamp: fr.FundingTime,
			Type:      database.LedgerFunding,
			Amount:    pnl,
			Currency:  "USDT",
			Symbol:    s.settings.Binance.Symbol,
			Ref:       ref,
			Note:      fmt.Sprintf("rate=%g", fr.Rate),
		}); err != nil {
			return err
		}
		if s.alerts != nil {
			s.alerts.Alert("INFO",
				fmt.Sprintf("FUNDING[%s]", sid),
				fmt.Sprintf("rate=%.6f pnl=%.4f", fr.Rate, pnl),
				fmt.Sprintf("funding_%s_%d", sid, fr.FundingTime))
		}
		settledAny = true
		s.log.Info().Str("strategy", sid).Float64("rate", fr.Rate).Float64("pnl", pnl).Msg("funding settled")
	}

	if settledAny || force {
		if settlePrice == 0 {
			settlePrice = s.LastPrice()
		}
		s.UpdateStatus(settlePrice)
		if err := s.SnapshotEquity(); err != nil {
			return err
		}
	}
	return nil
}
