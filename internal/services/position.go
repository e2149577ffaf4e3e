package services

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/strategy"
)

// PositionService owns the open-position lifecycle: sizing, entry and exit
// fills, the TP1 half-close with break-even stop, stop-out cooldowns, and
// the persisted position rows behind them.
type PositionService struct {
	settings  *config.Settings
	store     *database.Store
	alerts    Alerter
	stream    StreamSink
	profiles  map[string]*strategy.Profile
	book      *book
	portfolio *PortfolioService
	log       zerolog.Logger
}

// GetPosition returns a snapshot of the strategy's open position, nil when
// flat.
func (s *PositionService) GetPosition(sid string) *strategy.Position {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	pos := s.book.positions[sid]
	if pos == nil {
		return nil
	}
	cp := *pos
	return &cp
}

func (s *PositionService) GetCooldown(sid string) int {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	return s.book.cooldowns[sid]
}

// SetCooldown overrides the strategy's cooldown counter.
func (s *PositionService) SetCooldown(sid string, bars int) {
	s.book.mu.Lock()
	s.book.cooldowns[sid] = bars
	s.book.mu.Unlock()
}

// DecrementCooldown burns one bar off the strategy's cooldown.
func (s *PositionService) DecrementCooldown(sid string) {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	if s.book.cooldowns[sid] > 0 {
		s.book.cooldowns[sid]--
	}
}

// Reset clears the in-memory position and cooldown for one strategy.
func (s *PositionService) Reset(sid string) {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	s.book.positions[sid] = nil
	s.book.cooldowns[sid] = 0
}

// LoadOpenPositions restores each strategy's open position from the store
// after a restart. The persisted tp1_hit flag carries the half-close state
// across restarts; rows written before the column existed fall back to the
// break-even heuristic, a stop sitting exactly on the entry.
func (s *PositionService) LoadOpenPositions() error {
	s.book.mu.Lock()
	defer s.book.mu.Unlock()
	for _, sid := range s.book.order {
		row, err := s.store.GetOpenPosition(s.settings.Binance.Symbol, sid)
		if err != nil {
			return err
		}
		if row == nil {
			s.book.positions[sid] = nil
			s.book.cooldowns[sid] = 0
			continue
		}
		tp1Hit := row.TP1Hit
		if !tp1Hit && row.StopPrice != nil && *row.StopPrice == row.EntryPrice {
			tp1Hit = true
		}
		s.book.positions[sid] = &strategy.Position{
			Side:       row.Side,
			EntryPrice: row.EntryPrice,
			Qty:        row.Qty,
			StopPrice:  derefOrZero(row.StopPrice),
			TP1Price:   derefOrZero(row.TP1Price),
			TP2Price:   derefOrZero(row.TP2Price),
			TP1Hit:     tp1Hit,
		}
		s.book.cooldowns[sid] = 0
		s.log.Info().Str("strategy", sid).Str("side", row.Side).Float64("qty", row.Qty).Msg("restored open position")
	}
	return nil
}

// OpenPosition sizes and fills an entry signal. A strategy already holding
// a position keeps it; the signal is dropped.
func (s *PositionService) OpenPosition(sid string, sig *strategy.EntrySignal) error {
	s.book.mu.Lock()
	if s.book.positions[sid] != nil {
		s.book.mu.Unlock()
		return nil
	}
	acc := s.book.accounts[sid]
	p := s.profiles[sid]
	maxLeverage := float64(s.settings.Sim.MaxLeverage)
	feeRate := s.settings.Sim.FeeRate
	maxNotional := s.settings.Risk.MaxPositionNotional
	maxPct := s.settings.Risk.MaxPositionPctEquity
	if p != nil {
		maxLeverage = float64(p.Sim.MaxLeverage)
		feeRate = p.Sim.FeeRate
		maxNotional = p.Risk.MaxPositionNotional
		maxPct = p.Risk.MaxPositionPctEquity
	}

	notionalCap := math.Min(maxNotional, acc.Balance*maxPct*maxLeverage)
	qty := notionalCap / sig.EntryPrice
	notional := qty * sig.EntryPrice
	fee := notional * feeRate
	margin := notional / maxLeverage
	acc.Balance -= fee

	pos := &strategy.Position{
		Side:       sig.Side,
		EntryPrice: sig.EntryPrice,
		Qty:        qty,
		StopPrice:  sig.StopPrice,
		TP1Price:   sig.TP1Price,
		TP2Price:   sig.TP2Price,
	}
	s.book.positions[sid] = pos
	liq := s.portfolio.calcLiqPriceLocked(sid, sig.EntryPrice, sig.Side)
	s.book.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	row := &database.Position{
		Strategy:   sid,
		Symbol:     s.settings.Binance.Symbol,
		Side:       sig.Side,
		Qty:        qty,
		EntryPrice: sig.EntryPrice,
		EntryTime:  nowMs,
		Leverage:   int(maxLeverage),
		Margin:     margin,
		StopPrice:  fptr(sig.StopPrice),
		TP1Price:   fptr(sig.TP1Price),
		TP2Price:   fptr(sig.TP2Price),
		Status:     database.StatusOpen,
		FeesTotal:  fee,
		LiqPrice:   fptr(liq),
	}
	if err := s.store.CreatePosition(row); err != nil {
		// the fill never made it to the record, roll the book back
		s.book.mu.Lock()
		s.book.positions[sid] = nil
		s.book.accounts[sid].Balance += fee
		s.book.mu.Unlock()
		return err
	}

	tradeSide := database.TradeSideBuy
	if sig.Side == strategy.SideShort {
		tradeSide = database.TradeSideSell
	}
	trade := &database.Trade{
		Strategy:   sid,
		Symbol:     s.settings.Binance.Symbol,
		PositionID: row.ID,
		Side:       tradeSide,
		TradeType:  database.TradeTypeEntry,
		Price:      sig.EntryPrice,
		Qty:        qty,
		Notional:   notional,
		FeeAmount:  fee,
		FeeRate:    feeRate,
		Timestamp:  nowMs,
		Reason:     sig.Reason,
	}
	if err := s.store.InsertTrade(trade); err != nil {
		return err
	}
	if err := s.store.InsertLedger(&database.LedgerEntry{
		Strategy:  sid,
		Timestamp: nowMs,
		Type:      database.LedgerFee,
		Amount:    -fee,
		Currency:  "USDT",
		Symbol:    s.settings.Binance.Symbol,
		Ref:       itoa(trade.ID),
		Note:      "entry fee",
	}); err != nil {
		return err
	}

	if s.stream != nil {
		s.stream.AddEvent(map[string]any{
			"type": "trade", "sid": sid, "trade_id": trade.ID,
			"symbol": s.settings.Binance.Symbol, "side": tradeSide,
			"trade_type": database.TradeTypeEntry, "price": sig.EntryPrice,
			"qty": qty, "notional": notional, "fee_amount": fee,
			"fee_rate": feeRate, "timestamp": nowMs, "reason": sig.Reason,
		})
		signal := map[string]any{
			"type": "entry", "sid": sid, "side": sig.Side,
			"price": sig.EntryPrice, "ts": nowMs, "reason": sig.Reason,
		}
		s.stream.AddEvent(signal)
		s.stream.UpdateSnapshot(map[string]any{"last_signal": signal})
	}
	if s.alerts != nil {
		s.alerts.Alert("INFO", "ENTRY["+sid+"]",
			sig.Side+" @ "+ftoa(sig.EntryPrice), "entry_"+sid)
	}
	s.log.Info().Str("strategy", sid).Str("side", sig.Side).
		Float64("price", sig.EntryPrice).Float64("qty", qty).Str("reason", sig.Reason).
		Msg("position opened")
	return nil
}

// CloseByAction applies an exit decision. TP1 half-closes and moves the
// stop to break-even; STOP, TP2, and CLOSE_ALL flatten the position. When
// TP2 arrives before TP1 ever filled, the TP1 leg is synthesized first so
// both fills appear in the record.
func (s *PositionService) CloseByAction(ctx context.Context, sid string, action *strategy.ExitAction) error {
	fullyClosed, closePrice, err := s.closeByAction(sid, action)
	if err != nil {
		return err
	}
	if fullyClosed {
		if err := s.portfolio.ApplyFunding(ctx, true, closePrice, sid); err != nil {
			s.log.Warn().Err(err).Str("strategy", sid).Msg("post-close funding settlement failed")
		}
	}
	return nil
}

func (s *PositionService) closeByAction(sid string, action *strategy.ExitAction) (fullyClosed bool, closePrice float64, err error) {
	s.book.mu.Lock()
	pos := s.book.positions[sid]
	s.book.mu.Unlock()
	if pos == nil {
		return false, 0, nil
	}

	// TP2 before TP1: record the TP1 leg first so both trades appear.
	if action.Action == strategy.ActionTP2 && !pos.TP1Hit &&
		math.Abs(pos.TP1Price-pos.TP2Price) > 1e-9 {
		if _, _, err := s.closeByAction(sid, &strategy.ExitAction{
			Action: strategy.ActionTP1,
			Price:  pos.TP1Price,
			Reason: "tp1",
		}); err != nil {
			return false, 0, err
		}
		s.book.mu.Lock()
		pos = s.book.positions[sid]
		s.book.mu.Unlock()
		if pos == nil {
			return false, 0, nil
		}
	}

	p := s.profiles[sid]
	feeRate := s.settings.Sim.FeeRate
	if p != nil {
		feeRate = p.Sim.FeeRate
	}

	s.book.mu.Lock()
	pos = s.book.positions[sid]
	if pos == nil {
		s.book.mu.Unlock()
		return false, 0, nil
	}
	qtyToClose := pos.Qty
	switch {
	case action.Action == strategy.ActionTP1 && !pos.TP1Hit:
		qtyToClose = pos.Qty * 0.5
	case action.Action == strategy.ActionTP1 && pos.TP1Hit:
		s.book.mu.Unlock()
		return false, 0, nil
	}

	realized := s.portfolio.CalcRealizedPnl(pos, action.Price, qtyToClose)
	notional := qtyToClose * action.Price
	fee := notional * feeRate
	s.book.accounts[sid].Balance += realized - fee
	posSide := pos.Side
	s.book.mu.Unlock()

	// until the exit trade is recorded the credit can still be unwound
	revertCredit := func() {
		s.book.mu.Lock()
		s.book.accounts[sid].Balance -= realized - fee
		s.book.mu.Unlock()
	}

	nowMs := time.Now().UnixMilli()
	row, err := s.store.GetOpenPosition(s.settings.Binance.Symbol, sid)
	if err != nil {
		revertCredit()
		return false, 0, err
	}

	tradeSide := database.TradeSideSell
	if posSide == strategy.SideShort {
		tradeSide = database.TradeSideBuy
	}
	trade := &database.Trade{
		Strategy:  sid,
		Symbol:    s.settings.Binance.Symbol,
		Side:      tradeSide,
		TradeType: database.TradeTypeExit,
		Price:     action.Price,
		Qty:       qtyToClose,
		Notional:  notional,
		FeeAmount: fee,
		FeeRate:   feeRate,
		Timestamp: nowMs,
		Reason:    action.Reason,
	}
	if row != nil {
		trade.PositionID = row.ID
	}
	if err := s.store.InsertTrade(trade); err != nil {
		revertCredit()
		return false, 0, err
	}
	if err := s.store.InsertLedger(&database.LedgerEntry{
		Strategy:  sid,
		Timestamp: nowMs,
		Type:      database.LedgerFee,
		Amount:    -fee,
		Currency:  "USDT",
		Symbol:    s.settings.Binance.Symbol,
		Ref:       itoa(trade.ID),
		Note:      "exit fee",
	}); err != nil {
		return false, 0, err
	}

	tradeEvent := map[string]any{
		"type": "trade", "sid": sid, "trade_id": trade.ID,
		"symbol": s.settings.Binance.Symbol, "side": tradeSide,
		"trade_type": database.TradeTypeExit, "price": action.Price,
		"qty": qtyToClose, "notional": notional, "fee_amount": fee,
		"fee_rate": feeRate, "timestamp": nowMs, "reason": action.Reason,
	}

	if action.Action == strategy.ActionTP1 {
		s.book.mu.Lock()
		pos = s.book.positions[sid]
		if pos != nil {
			pos.Qty -= qtyToClose
			pos.TP1Hit = true
			pos.StopPrice = pos.EntryPrice
		}
		s.book.mu.Unlock()
		if row != nil && pos != nil {
			row.Qty = pos.Qty
			row.StopPrice = fptr(pos.StopPrice)
			row.TP1Hit = true
			row.RealizedPnl += realized
			row.FeesTotal += fee
			if err := s.store.SavePosition(row); err != nil {
				return false, 0, err
			}
		}
		if s.stream != nil {
			signal := map[string]any{"type": "tp1", "sid": sid, "side": posSide, "price": action.Price, "ts": nowMs}
			s.stream.AddEvent(signal)
			s.stream.UpdateSnapshot(map[string]any{"last_signal": signal})
			s.stream.AddEvent(tradeEvent)
		}
		if s.alerts != nil {
			s.alerts.Alert("INFO", "TP1["+sid+"]", "@ "+ftoa(action.Price), "tp1_"+sid)
		}
		s.log.Info().Str("strategy", sid).Float64("price", action.Price).Msg("tp1 half close")
		return false, action.Price, nil
	}

	if row != nil {
		if err := s.store.ClosePosition(row.ID, row.RealizedPnl+realized, row.FeesTotal+fee,
			row.LiqPrice, nowMs, action.Reason); err != nil {
			return false, 0, err
		}
	}

	s.book.mu.Lock()
	if action.Action == strategy.ActionStop && s.settings.Cooldown.Enabled {
		cooldown := s.settings.Cooldown.BarsAfterExit
		if p != nil {
			cooldown = p.CooldownAfterStop(cooldown)
		}
		s.book.cooldowns[sid] = cooldown
	}
	s.book.positions[sid] = nil
	s.book.mu.Unlock()

	if s.stream != nil {
		signal := map[string]any{"type": "exit", "sid": sid, "side": posSide, "price": action.Price, "ts": nowMs, "reason": action.Reason}
		s.stream.AddEvent(signal)
		s.stream.UpdateSnapshot(map[string]any{"last_signal": signal})
		s.stream.AddEvent(tradeEvent)
	}
	if s.alerts != nil {
		s.alerts.Alert("INFO", action.Action+"["+sid+"]", "@ "+ftoa(action.Price), lower(action.Action)+"_"+sid)
	}

	if err := s.store.InsertLedger(&database.LedgerEntry{
		Strategy:  sid,
		Timestamp: nowMs,
		Type:      database.LedgerRealizedPnl,
		Amount:    realized,
		Currency:  "USDT",
		Symbol:    s.settings.Binance.Symbol,
		Ref:       itoa(trade.ID),
		Note:      action.Reason,
	}); err != nil {
		return false, 0, err
	}
	s.log.Info().Str("strategy", sid).Str("action", action.Action).
		Float64("price", action.Price).Float64("realized", realized).
		Msg("position closed")
	return true, action.Price, nil
}

func fptr(v float64) *float64 { return &v }

func derefOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func lower(s string) string { return strings.ToLower(s) }
