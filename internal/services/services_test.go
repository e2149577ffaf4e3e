package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/strategy"
)

type fakeStatus struct {
	mu   sync.Mutex
	last map[string]any
}

func (f *fakeStatus) Update(fields map[string]any) {
	f.mu.Lock()
	f.last = fields
	f.mu.Unlock()
}

type fakeStream struct {
	mu       sync.Mutex
	events   []map[string]any
	snapshot map[string]any
}

func (f *fakeStream) AddEvent(event map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeStream) UpdateSnapshot(fields map[string]any) {
	f.mu.Lock()
	if f.snapshot == nil {
		f.snapshot = make(map[string]any)
	}
	for k, v := range fields {
		f.snapshot[k] = v
	}
	f.mu.Unlock()
}

func (f *fakeStream) eventsOfType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, e := range f.events {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeAlerter) Alert(level, title, message, dedupKey string) {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
}

type fundingStub struct {
	fr *binance.FundingRate
}

func (f *fundingStub) LatestFunding(_ context.Context, _ string) (*binance.FundingRate, error) {
	return f.fr, nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		Binance: config.BinanceConfig{Symbol: "BTCUSDT"},
		Sim:     config.SimConfig{InitialCapital: 1000, MaxLeverage: 20, FeeRate: 0.0004},
		Risk: config.RiskConfig{
			MaxPositionNotional:  20000,
			MaxPositionPctEquity: 1.0,
			MMRTiers:             []config.MMRTier{{NotionalUSDT: 1e9, MMR: 0.004, MaintAmount: 0}},
		},
		Cooldown: config.CooldownConfig{Enabled: true, BarsAfterExit: 2},
		Funding:  config.FundingConfig{PollIntervalSec: 60, FreshnessWindowMs: 180_000},
	}
}

type harness struct {
	portfolio *PortfolioService
	positions *PositionService
	store     *database.Store
	settings  *config.Settings
	status    *fakeStatus
	stream    *fakeStream
	alerts    *fakeAlerter
	funding   *fundingStub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := testSettings()
	profiles := map[string]*strategy.Profile{
		"alpha": {
			Sim: strategy.SimProfile{InitialCapital: 1000, MaxLeverage: 20, FeeRate: 0.0004},
			Risk: strategy.RiskProfile{
				MaxPositionNotional:  20000,
				MaxPositionPctEquity: 1.0,
			},
			Strategy: map[string]any{"cooldown_after_stop": 4},
		},
	}
	h := &harness{
		store:    store,
		settings: settings,
		status:   &fakeStatus{},
		stream:   &fakeStream{},
		alerts:   &fakeAlerter{},
		funding:  &fundingStub{},
	}
	h.portfolio, h.positions = New(settings, store, h.funding, h.alerts, h.status, h.stream, profiles, []string{"alpha"})
	return h
}

func longSignal() *strategy.EntrySignal {
	return &strategy.EntrySignal{
		Side:       strategy.SideLong,
		EntryPrice: 100,
		StopPrice:  99,
		TP1Price:   102,
		TP2Price:   104,
		Reason:     "signal_long",
	}
}

func TestOpenPositionSizingAndFee(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	pos := h.positions.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.Equal(t, strategy.SideLong, pos.Side)
	// cap = min(20000, 1000 * 1.0 * 20) = 20000 -> qty 200 @ 100
	assert.InDelta(t, 200.0, pos.Qty, 1e-9)
	assert.Equal(t, 99.0, pos.StopPrice)
	assert.False(t, pos.TP1Hit)

	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 992.0, acc.Balance, 1e-9, "entry fee 20000*0.0004 debited")

	row, err := h.store.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, database.StatusOpen, row.Status)
	assert.InDelta(t, 1000.0, row.Margin, 1e-9)
	assert.Equal(t, 20, row.Leverage)

	trades, err := h.store.ListTrades(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, database.TradeTypeEntry, trades[0].TradeType)
	assert.Equal(t, database.TradeSideBuy, trades[0].Side)
	assert.InDelta(t, 8.0, trades[0].FeeAmount, 1e-9)

	require.Len(t, h.stream.eventsOfType("entry"), 1)
	require.Len(t, h.stream.eventsOfType("trade"), 1)
	assert.Contains(t, h.alerts.titles, "ENTRY[alpha]")
}

func TestOpenPositionIgnoredWhilePositioned(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	trades, err := h.store.ListTrades(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	assert.Len(t, trades, 1, "second signal while positioned is dropped")
}

func TestTP1HalfCloseMovesStopToBreakEven(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP1, Price: 102, Reason: "tp1"}))

	pos := h.positions.GetPosition("alpha")
	require.NotNil(t, pos, "tp1 keeps half the position open")
	assert.InDelta(t, 100.0, pos.Qty, 1e-9)
	assert.True(t, pos.TP1Hit)
	assert.Equal(t, 100.0, pos.StopPrice, "stop moves to entry")

	// realized (102-100)*100 = 200, exit fee 100*102*0.0004 = 4.08
	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 992.0+200.0-4.08, acc.Balance, 1e-9)

	row, err := h.store.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.InDelta(t, 100.0, row.Qty, 1e-9)
	require.NotNil(t, row.StopPrice)
	assert.Equal(t, 100.0, *row.StopPrice)

	assert.Equal(t, 0, h.positions.GetCooldown("alpha"), "tp1 sets no cooldown")
	assert.Contains(t, h.alerts.titles, "TP1[alpha]")

	// a second TP1 is a no-op
	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP1, Price: 102, Reason: "tp1"}))
	pos = h.positions.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.InDelta(t, 100.0, pos.Qty, 1e-9)
}

func TestTP2SynthesizesMissedTP1(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP2, Price: 104, Reason: "tp2"}))

	assert.Nil(t, h.positions.GetPosition("alpha"))

	trades, err := h.store.ListTrades(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	require.Len(t, trades, 3, "entry plus the synthesized tp1 leg and the tp2 leg")

	var exitPrices []float64
	for _, tr := range trades {
		if tr.TradeType == database.TradeTypeExit {
			exitPrices = append(exitPrices, tr.Price)
		}
	}
	assert.ElementsMatch(t, []float64{102, 104}, exitPrices)

	// 992 + (200 - 4.08) at tp1 + (400 - 4.16) at tp2
	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 1583.76, acc.Balance, 1e-9)

	row, err := h.store.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.Nil(t, row, "position row finalized")
	assert.Equal(t, 0, h.positions.GetCooldown("alpha"), "profit exits set no cooldown")
}

func TestStopSetsCooldownFromProfile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionStop, Price: 99, Reason: "stop"}))

	assert.Nil(t, h.positions.GetPosition("alpha"))
	assert.Equal(t, 4, h.positions.GetCooldown("alpha"))

	h.positions.DecrementCooldown("alpha")
	assert.Equal(t, 3, h.positions.GetCooldown("alpha"))

	// realized (99-100)*200 = -200, exit fee 200*99*0.0004 = 7.92
	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 992.0-200.0-7.92, acc.Balance, 1e-9)

	ledger, err := h.store.ListLedger(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	var realized int
	for _, e := range ledger {
		if e.Type == database.LedgerRealizedPnl {
			realized++
			assert.InDelta(t, -200.0, e.Amount, 1e-9)
		}
	}
	assert.Equal(t, 1, realized)
}

func TestFundingAppliedOncePerSettlement(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	h.portfolio.SetLastPrice(100)

	now := time.Now().UnixMilli()
	h.funding.fr = &binance.FundingRate{Symbol: "BTCUSDT", FundingTime: now, Rate: 0.0001}

	require.NoError(t, h.portfolio.ApplyFunding(context.Background(), false, 0, ""))
	require.NoError(t, h.portfolio.ApplyFunding(context.Background(), false, 0, ""))

	ledger, err := h.store.ListLedger(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	var funding int
	for _, e := range ledger {
		if e.Type == database.LedgerFunding {
			funding++
			// long pays into balance here: 200 * 100 * 0.0001
			assert.InDelta(t, 2.0, e.Amount, 1e-9)
		}
	}
	assert.Equal(t, 1, funding, "same settlement applies once")

	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 994.0, acc.Balance, 1e-9)
}

func TestFundingSkipsStaleSettlement(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	h.portfolio.SetLastPrice(100)

	stale := time.Now().UnixMilli() - 10*60*1000
	h.funding.fr = &binance.FundingRate{Symbol: "BTCUSDT", FundingTime: stale, Rate: 0.0001}
	require.NoError(t, h.portfolio.ApplyFunding(context.Background(), false, 0, ""))

	ledger, err := h.store.ListLedger(database.ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	for _, e := range ledger {
		assert.NotEqual(t, database.LedgerFunding, e.Type)
	}
}

func TestLiqPriceLong(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	// margin 1000, notional 20000, mmr 0.004:
	// (1000 - 20000) / ((0.004 - 1) * 200)
	liq := h.portfolio.CalcLiqPrice("alpha", 100, strategy.SideLong)
	assert.InDelta(t, 19000.0/199.2, liq, 1e-9)
}

func TestLiqPriceWithoutExposureIsEntry(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 100.0, h.portfolio.CalcLiqPrice("alpha", 100, strategy.SideLong))
}

func TestUpdateStatusPublishesFirstStrategy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	h.portfolio.UpdateStatus(101)

	h.status.mu.Lock()
	fields := h.status.last
	h.status.mu.Unlock()
	require.NotNil(t, fields)
	assert.InDelta(t, 200.0, fields["upl"].(float64), 1e-9, "(101-100)*200")
	assert.Equal(t, strategy.SideLong, fields["position_side"])
	assert.InDelta(t, 992.0+200.0, fields["equity"].(float64), 1e-9)
	assert.NotNil(t, fields["liq_price"])

	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionCloseAll, Price: 101, Reason: "trend_fail"}))
	h.portfolio.UpdateStatus(101)
	h.status.mu.Lock()
	fields = h.status.last
	h.status.mu.Unlock()
	assert.Nil(t, fields["position_side"], "flat status carries explicit nils")
}

func TestLoadOpenPositionsRestoresState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	require.NoError(t, h.portfolio.SnapshotEquity())

	// a fresh process over the same store
	settings := testSettings()
	profiles := map[string]*strategy.Profile{"alpha": {
		Sim:  strategy.SimProfile{InitialCapital: 1000, MaxLeverage: 20, FeeRate: 0.0004},
		Risk: strategy.RiskProfile{MaxPositionNotional: 20000, MaxPositionPctEquity: 1.0},
	}}
	portfolio2, positions2 := New(settings, h.store, h.funding, nil, nil, nil, profiles, []string{"alpha"})
	require.NoError(t, portfolio2.LoadAccountState())
	require.NoError(t, positions2.LoadOpenPositions())

	pos := positions2.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.Equal(t, strategy.SideLong, pos.Side)
	assert.InDelta(t, 200.0, pos.Qty, 1e-9)
	assert.Equal(t, 99.0, pos.StopPrice)
	assert.False(t, pos.TP1Hit, "restored positions start with tp1 unhit")

	acc := portfolio2.Accounts()["alpha"]
	assert.InDelta(t, 992.0, acc.Balance, 1e-9, "balance restored from the snapshot")
}

func TestLoadOpenPositionsRestoresTP1State(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP1, Price: 102, Reason: "tp1"}))

	settings := testSettings()
	profiles := map[string]*strategy.Profile{"alpha": {
		Sim:  strategy.SimProfile{InitialCapital: 1000, MaxLeverage: 20, FeeRate: 0.0004},
		Risk: strategy.RiskProfile{MaxPositionNotional: 20000, MaxPositionPctEquity: 1.0},
	}}
	_, positions2 := New(settings, h.store, h.funding, nil, nil, nil, profiles, []string{"alpha"})
	require.NoError(t, positions2.LoadOpenPositions())

	pos := positions2.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.True(t, pos.TP1Hit, "half-close survives the restart")
	assert.InDelta(t, 100.0, pos.Qty, 1e-9)
	assert.Equal(t, 100.0, pos.StopPrice)

	// the restored half never halves again
	require.NoError(t, positions2.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP1, Price: 102, Reason: "tp1"}))
	pos = positions2.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.InDelta(t, 100.0, pos.Qty, 1e-9)
}

func TestLoadOpenPositionsBreakEvenHeuristic(t *testing.T) {
	h := newHarness(t)
	// a row persisted by an older build: stop already at entry, flag unset
	require.NoError(t, h.store.CreatePosition(&database.Position{
		Strategy: "alpha", Symbol: "BTCUSDT", Side: strategy.SideLong,
		Qty: 100, EntryPrice: 100, EntryTime: 1, Leverage: 20, Margin: 500,
		StopPrice: fptr(100), TP1Price: fptr(102), TP2Price: fptr(104),
		Status: database.StatusOpen,
	}))
	require.NoError(t, h.positions.LoadOpenPositions())

	pos := h.positions.GetPosition("alpha")
	require.NotNil(t, pos)
	assert.True(t, pos.TP1Hit, "break-even stop implies the tp1 leg filled")
}

func TestStopSkipsCooldownWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.settings.Cooldown.Enabled = false
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))

	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionStop, Price: 99, Reason: "stop"}))

	assert.Nil(t, h.positions.GetPosition("alpha"))
	assert.Equal(t, 0, h.positions.GetCooldown("alpha"))
}

func TestStrategyStatsCountTP1Partials(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP1, Price: 102, Reason: "tp1"}))
	require.NoError(t, h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionTP2, Price: 104, Reason: "tp2"}))

	stats, err := h.store.GetStrategyStats("BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ClosedPositions)
	assert.EqualValues(t, 1, stats.TP1Closes, "the tp1 partial counts on the closed row")
	assert.EqualValues(t, 1, stats.TP2Closes)
	assert.EqualValues(t, 0, stats.StopCloses)
}

func TestOpenPositionRollsBackOnPersistError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Close())

	err := h.positions.OpenPosition("alpha", longSignal())
	require.Error(t, err)

	assert.Nil(t, h.positions.GetPosition("alpha"))
	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 1000.0, acc.Balance, 1e-9, "fee debit unwound")
}

func TestCloseRevertsBalanceOnPersistError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.positions.OpenPosition("alpha", longSignal()))
	require.NoError(t, h.store.Close())

	err := h.positions.CloseByAction(context.Background(), "alpha",
		&strategy.ExitAction{Action: strategy.ActionStop, Price: 99, Reason: "stop"})
	require.Error(t, err)

	require.NotNil(t, h.positions.GetPosition("alpha"), "position stays until the exit is recorded")
	acc := h.portfolio.Accounts()["alpha"]
	assert.InDelta(t, 992.0, acc.Balance, 1e-9, "exit credit unwound")
}
