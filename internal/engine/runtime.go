package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/indicators"
	"binance-sim-trader/internal/logging"
	"binance-sim-trader/internal/marketdata"
	"binance-sim-trader/internal/services"
	"binance-sim-trader/internal/strategy"
)

// Runtime assembles and drives the whole trading engine: strategies and
// their profiles, the simulated accounts, historical warmup, the indicator
// state, the live stream, and the funding loop.
type Runtime struct {
	settings *config.Settings
	store    *database.Store
	alerter  services.Alerter
	status   services.StatusSink
	stream   services.StreamSink

	rest       *binance.RestClient
	strategies map[string]strategy.Strategy
	profiles   map[string]*strategy.Profile
	order      []string

	buffers   *marketdata.BufferManager
	indEngine *indicators.Engine
	state     *marketdata.StateManager
	portfolio *services.PortfolioService
	positions *services.PositionService
	runner    *Runner
	ws        *binance.StreamClient

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewRuntime builds every strategy instance and the services around them.
// Configuration errors (unknown strategy type, bad profile) surface here,
// before anything touches the network.
func NewRuntime(
	settings *config.Settings,
	store *database.Store,
	status services.StatusSink,
	stream services.StreamSink,
	alerter services.Alerter,
) (*Runtime, error) {
	r := &Runtime{
		settings:   settings,
		store:      store,
		alerter:    alerter,
		status:     status,
		stream:     stream,
		rest:       binance.NewRestClient(settings.Binance.RestBase),
		strategies: make(map[string]strategy.Strategy, len(settings.Strategies)),
		profiles:   make(map[string]*strategy.Profile, len(settings.Strategies)),
		log:        logging.Component("runtime"),
	}

	for _, entry := range settings.Strategies {
		strat, err := strategy.Create(entry.Type)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", entry.ID, err)
		}
		profile, err := strategy.BuildProfile(settings, entry)
		if err != nil {
			return nil, err
		}
		strat.Configure(profile)
		r.strategies[entry.ID] = strat
		r.profiles[entry.ID] = profile
		r.order = append(r.order, entry.ID)
	}

	r.portfolio, r.positions = services.New(
		settings, store, r.rest, alerter, status, stream, r.profiles, r.order)
	return r, nil
}

// Start restores persisted state, warms up history, primes the indicators,
// and launches the stream and funding loops. It returns once the engine is
// live; Stop tears it down.
func (r *Runtime) Start(ctx context.Context) error {
	r.runCtx, r.cancel = context.WithCancel(ctx)

	if err := r.portfolio.LoadAccountState(); err != nil {
		return err
	}
	if err := r.positions.LoadOpenPositions(); err != nil {
		return err
	}

	specs := make(map[string][]indicators.Spec, len(r.order))
	policies := make(map[string]map[string]strategy.WarmupPolicy, len(r.order))
	for sid, strat := range r.strategies {
		specs[sid] = strat.IndicatorRequirements()
		policies[sid] = strat.WarmupPolicies()
	}
	req := marketdata.ComputeRequirements(specs, policies, map[string]int{
		binance.Interval15m: r.settings.KlineCache.MaxBars15m,
		binance.Interval1h:  r.settings.KlineCache.MaxBars1h,
	})

	r.buffers = marketdata.NewBufferManager(req.BufferSizes)
	warmer := marketdata.NewWarmer(r.store, r.rest, r.buffers, r.settings.Binance.Symbol)
	if err := warmer.WarmupAll(r.runCtx, req.WarmupBars, r.settings.Binance.Intervals); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	r.indEngine = indicators.NewEngine()
	for _, sid := range r.order {
		if err := r.indEngine.Register(sid, specs[sid]); err != nil {
			return err
		}
	}
	r.state = marketdata.NewStateManager(r.buffers, r.indEngine, r.order)
	r.runner = NewRunner(r.strategies, r.order, r.profiles, r.state, r.positions, r.portfolio, r.stream)

	ctxMap := r.state.PrimeFromHistory()
	r.runner.PrimeFromHistory(ctxMap)
	for _, sid := range r.order {
		if sctx := ctxMap[sid]; sctx != nil && r.positions.GetPosition(sid) != nil {
			r.strategies[sid].OnStateRestore(sctx)
		}
	}

	r.ws = binance.NewStreamClient(
		r.settings.Binance.WsBase,
		r.settings.Binance.Symbol,
		r.settings.Binance.Intervals,
		binance.ReconnectPolicy{
			MaxRetries:  r.settings.Binance.WsReconnect.MaxRetries,
			BaseDelayMs: r.settings.Binance.WsReconnect.BaseDelayMs,
			MaxDelayMs:  r.settings.Binance.WsReconnect.MaxDelayMs,
		},
		&barHandler{r},
	)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.ws.Run(r.runCtx); err != nil && r.runCtx.Err() == nil {
			r.log.Error().Err(err).Msg("stream terminated")
		}
	}()
	go func() {
		defer r.wg.Done()
		r.portfolio.FundingLoop(r.runCtx)
	}()

	r.log.Info().
		Str("symbol", r.settings.Binance.Symbol).
		Strs("strategies", r.order).
		Msg("runtime started")
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ResetStrategy wipes one strategy's simulated account back to its initial
// capital and clears its position, cooldown, and cached context. Persisted
// history (trades, ledger, snapshots) is kept.
func (r *Runtime) ResetStrategy(sid string) error {
	if _, ok := r.strategies[sid]; !ok {
		return fmt.Errorf("unknown strategy: %s", sid)
	}
	r.portfolio.ResetAccount(sid)
	r.positions.Reset(sid)
	if r.runner != nil {
		r.runner.ResetStrategy(sid)
	}
	r.portfolio.UpdateStatus(r.portfolio.LastPrice())
	r.log.Info().Str("strategy", sid).Msg("strategy reset")
	return nil
}

// Portfolio exposes the account service to the HTTP layer.
func (r *Runtime) Portfolio() *services.PortfolioService { return r.portfolio }

// Positions exposes the position service to the HTTP layer.
func (r *Runtime) Positions() *services.PositionService { return r.positions }

// StrategyOrder returns configured strategy ids in configuration order.
func (r *Runtime) StrategyOrder() []string { return append([]string(nil), r.order...) }

// StrategyType returns the registered type tag behind an instance id.
func (r *Runtime) StrategyType(sid string) string {
	if s, ok := r.strategies[sid]; ok {
		return s.ID()
	}
	return ""
}

// Profile returns the merged profile for one strategy, nil when unknown.
func (r *Runtime) Profile(sid string) *strategy.Profile { return r.profiles[sid] }

// IndicatorRequirements returns a fresh spec list for one strategy, nil when
// unknown. Specs are stateful, so each call builds new instances; replay
// endpoints rely on that.
func (r *Runtime) IndicatorRequirements(sid string) []indicators.Spec {
	if s, ok := r.strategies[sid]; ok {
		return s.IndicatorRequirements()
	}
	return nil
}

// State reports buffer depths and per-strategy execution state for the
// debug endpoint.
func (r *Runtime) State() map[string]any {
	buffers := map[string]int{}
	if r.state != nil {
		buffers = r.state.BufferLens()
	}
	accounts := r.portfolio.Accounts()

	strategies := make(map[string]any, len(r.order))
	for _, sid := range r.order {
		acc := accounts[sid]
		pos := r.positions.GetPosition(sid)
		entry := map[string]any{
			"balance":       acc.Balance,
			"equity":        acc.Equity,
			"upl":           acc.UPL,
			"margin_used":   acc.MarginUsed,
			"free_margin":   acc.FreeMargin,
			"cooldown_bars": r.positions.GetCooldown(sid),
		}
		posView := map[string]any{
			"side": nil, "qty": nil, "entry_price": nil,
			"stop_price": nil, "tp1_price": nil, "tp2_price": nil,
		}
		if pos != nil {
			entry["liq_price"] = r.portfolio.CalcLiqPrice(sid, pos.EntryPrice, pos.Side)
			posView["side"] = pos.Side
			posView["qty"] = pos.Qty
			posView["entry_price"] = pos.EntryPrice
			posView["stop_price"] = pos.StopPrice
			posView["tp1_price"] = pos.TP1Price
			posView["tp2_price"] = pos.TP2Price
		} else {
			entry["liq_price"] = nil
		}
		entry["position"] = posView
		strategies[sid] = entry
	}
	return map[string]any{
		"buffers":    buffers,
		"strategies": strategies,
	}
}

// barHandler adapts the stream callbacks onto the state manager and runner.
// It runs on the stream read goroutine, so a bar's update strictly precedes
// its close.
type barHandler struct {
	r *Runtime
}

func (h *barHandler) OnUpdate(interval string, bar binance.Bar) {
	payload, previews := h.r.state.OnKlineUpdate(interval, bar)
	h.r.runner.OnKlineUpdate(h.r.runCtx, interval, bar, payload, previews)
}

func (h *barHandler) OnClose(interval string, bar binance.Bar) {
	if err := h.r.store.UpsertKline(&database.Kline{
		Symbol:    h.r.settings.Binance.Symbol,
		Interval:  interval,
		OpenTime:  bar.OpenTime,
		CloseTime: bar.CloseTime,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		Trades:    bar.Trades,
		IsClosed:  true,
		Source:    "ws",
	}); err != nil {
		h.r.log.Error().Err(err).Str("interval", interval).Msg("kline persist failed")
	}
	res := h.r.state.OnKlineClose(interval, bar)
	h.r.runner.OnKlineClose(h.r.runCtx, interval, bar, res)
}
