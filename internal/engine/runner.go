package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/indicators"
	"binance-sim-trader/internal/logging"
	"binance-sim-trader/internal/marketdata"
	"binance-sim-trader/internal/services"
	"binance-sim-trader/internal/strategy"
)

// oneHourKeys is the indicator block the runner probes when deciding whether
// the hourly direction filter has data. Strategies without hourly specs
// ignore the flag.
var oneHourKeys = []string{"ema20_1h", "ema60_1h", "rsi14_1h", "close_1h"}

// Runner drives every configured strategy off the market event stream:
// injecting execution state into contexts, dispatching decisions to the
// position service, and publishing condition rows after each event. A
// panicking strategy never takes the feed down; the event completes with an
// error row in its condition display.
type Runner struct {
	strategies map[string]strategy.Strategy
	order      []string
	profiles   map[string]*strategy.Profile
	state      *marketdata.StateManager
	positions  *services.PositionService
	portfolio  *services.PortfolioService
	stream     services.StreamSink

	mu      sync.Mutex
	lastCtx map[string]*strategy.Context

	log zerolog.Logger
}

func NewRunner(
	strategies map[string]strategy.Strategy,
	order []string,
	profiles map[string]*strategy.Profile,
	state *marketdata.StateManager,
	positions *services.PositionService,
	portfolio *services.PortfolioService,
	stream services.StreamSink,
) *Runner {
	return &Runner{
		strategies: strategies,
		order:      append([]string(nil), order...),
		profiles:   profiles,
		state:      state,
		positions:  positions,
		portfolio:  portfolio,
		stream:     stream,
		lastCtx:    make(map[string]*strategy.Context),
		log:        logging.Component("runner"),
	}
}

// PrimeFromHistory seeds the runner with the contexts produced by replaying
// the warmup buffers and publishes the initial condition rows, so the UI has
// a full display before the first live bar closes.
func (r *Runner) PrimeFromHistory(ctxMap map[string]*strategy.Context) {
	r.mu.Lock()
	if ctxMap != nil {
		r.lastCtx = ctxMap
	}
	r.mu.Unlock()
	if len(ctxMap) == 0 {
		return
	}

	condUpdates := make(map[string]any)
	for _, sid := range r.order {
		ctx := ctxMap[sid]
		strat := r.strategies[sid]
		if ctx == nil || strat == nil {
			continue
		}
		r.injectExecState(sid, ctx)
		condUpdates[sid] = r.describe(sid, strat, ctx)
	}
	if len(condUpdates) > 0 && r.stream != nil {
		r.stream.UpdateSnapshot(map[string]any{"conditions": condUpdates})
	}
}

// ResetStrategy drops the cached context so the next context is rebuilt from
// scratch after an account reset.
func (r *Runner) ResetStrategy(sid string) {
	r.mu.Lock()
	delete(r.lastCtx, sid)
	r.mu.Unlock()
}

// OnKlineUpdate handles an open-bar tick: refresh the live payload, give
// realtime-enabled strategies a chance to act, and republish conditions.
func (r *Runner) OnKlineUpdate(
	ctx context.Context,
	interval string,
	bar binance.Bar,
	streamUpdates map[string]any,
	previews map[string]map[string]indicators.Result,
) {
	r.portfolio.SetLastPrice(bar.Close)

	payload := streamUpdates
	if payload == nil {
		payload = make(map[string]any)
	}
	if interval != binance.Interval15m {
		if len(payload) > 0 && r.stream != nil {
			r.stream.UpdateSnapshot(payload)
		}
		return
	}

	// the live indicator panel tracks the first configured strategy
	if len(r.order) > 0 {
		if res := previews[r.order[0]]; len(res) > 0 {
			vals := make(map[string]*float64, len(res))
			for name, rr := range res {
				vals[name] = rr.Value
			}
			payload["indicators_15m"] = vals
		}
	}

	condUpdates := make(map[string]any)
	for _, sid := range r.order {
		strat := r.strategies[sid]
		if strat == nil {
			continue
		}
		sctx := r.tickContext(sid, bar, previews[sid])
		r.injectExecState(sid, sctx)

		profile := r.profiles[sid]
		if profile != nil {
			switch {
			case profile.RealtimeEntry() && sctx.Position == nil:
				if sig, ok := r.onTick(sid, strat, sctx, bar.Close).(*strategy.EntrySignal); ok && sig != nil {
					if err := r.positions.OpenPosition(sid, sig); err != nil {
						r.log.Error().Err(err).Str("strategy", sid).Msg("realtime entry failed")
					}
				}
			case profile.RealtimeExit() && sctx.Position != nil:
				if act, ok := r.onTick(sid, strat, sctx, bar.Close).(*strategy.ExitAction); ok && act != nil {
					if err := r.positions.CloseByAction(ctx, sid, act); err != nil {
						r.log.Error().Err(err).Str("strategy", sid).Msg("realtime exit failed")
					}
				}
			}
		}

		// refresh after any fill so the condition rows see the new state
		r.injectExecState(sid, sctx)
		condUpdates[sid] = r.describe(sid, strat, sctx)
	}

	if len(condUpdates) > 0 {
		payload["conditions"] = condUpdates
	}
	if len(payload) > 0 && r.stream != nil {
		r.stream.UpdateSnapshot(payload)
	}
	r.portfolio.UpdateStatus(bar.Close)
}

// OnKlineClose handles a committed bar: publish the fresh snapshot fragments,
// run each strategy's close handler, dispatch its decision, and burn a
// cooldown bar.
func (r *Runner) OnKlineClose(ctx context.Context, interval string, bar binance.Bar, res marketdata.CloseResult) {
	r.portfolio.SetLastPrice(bar.Close)

	if len(res.Stream) > 0 && r.stream != nil {
		r.stream.UpdateSnapshot(res.Stream)
	}
	if len(res.Contexts) == 0 {
		r.portfolio.UpdateStatus(bar.Close)
		return
	}

	for _, sid := range r.order {
		sctx := res.Contexts[sid]
		strat := r.strategies[sid]
		if sctx == nil || strat == nil {
			continue
		}
		r.injectExecState(sid, sctx)
		r.mu.Lock()
		r.lastCtx[sid] = sctx
		r.mu.Unlock()

		if r.stream != nil {
			r.stream.UpdateSnapshot(map[string]any{
				"conditions": map[string]any{sid: r.describe(sid, strat, sctx)},
			})
		}

		switch d := r.onBarClose(sid, strat, sctx).(type) {
		case *strategy.EntrySignal:
			if err := r.positions.OpenPosition(sid, d); err != nil {
				r.log.Error().Err(err).Str("strategy", sid).Msg("entry failed")
			}
		case *strategy.ExitAction:
			if err := r.positions.CloseByAction(ctx, sid, d); err != nil {
				r.log.Error().Err(err).Str("strategy", sid).Msg("exit failed")
			}
		}

		r.positions.DecrementCooldown(sid)
	}

	r.portfolio.UpdateStatus(bar.Close)
	if err := r.portfolio.SnapshotEquity(); err != nil {
		r.log.Error().Err(err).Msg("equity snapshot failed")
	}
}

// tickContext derives a per-tick context from the last closed-bar context,
// overlaying preview indicator values. Before the first close it builds a
// minimal context so realtime strategies and the condition display still
// work during the opening bar.
func (r *Runner) tickContext(sid string, bar binance.Bar, preview map[string]indicators.Result) *strategy.Context {
	r.mu.Lock()
	base := r.lastCtx[sid]
	r.mu.Unlock()

	var sctx strategy.Context
	if base != nil {
		sctx = *base
	} else {
		sctx.History = map[string][]float64{}
	}
	sctx.Timestamp = bar.CloseTime
	sctx.Interval = binance.Interval15m
	sctx.Price = bar.Close
	sctx.Close15m = bar.Close
	sctx.Low15m = bar.Low
	sctx.High15m = bar.High

	ind := make(map[string]*float64, len(sctx.Indicators)+len(preview)+5)
	for k, v := range sctx.Indicators {
		ind[k] = v
	}
	if base == nil {
		if block := r.state.Ind1hBlock(sid); block != nil {
			for k, v := range block {
				ind[k] = v
			}
		} else {
			for _, k := range oneHourKeys[:3] {
				ind[k] = nil
			}
			ind["close_1h"] = fptr(bar.Close)
		}
	}
	for name, res := range preview {
		ind[name] = res.Value
	}
	ind["close_15m"] = fptr(bar.Close)
	sctx.Indicators = ind
	return &sctx
}

// injectExecState stamps the execution-layer view onto a context right before
// a strategy call.
func (r *Runner) injectExecState(sid string, sctx *strategy.Context) {
	sctx.Position = r.positions.GetPosition(sid)
	sctx.CooldownBarsRemaining = r.positions.GetCooldown(sid)
	if p := r.profiles[sid]; p != nil {
		sctx.Params = p.Strategy
	}
}

func (r *Runner) ind1hReady(sid string, sctx *strategy.Context) bool {
	if r.state.Ind1hReady(sid) {
		return true
	}
	for _, k := range oneHourKeys {
		if _, ok := sctx.Indicators[k]; !ok {
			return false
		}
	}
	return true
}

func (r *Runner) describe(sid string, strat strategy.Strategy, sctx *strategy.Context) (cs strategy.ConditionSet) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("strategy", sid).Interface("panic", p).Msg("describe_conditions panicked")
			cs = errorConditions(fmt.Sprint(p))
		}
	}()
	return strat.DescribeConditions(sctx, r.ind1hReady(sid, sctx), sctx.Position != nil, sctx.CooldownBarsRemaining)
}

func (r *Runner) onBarClose(sid string, strat strategy.Strategy, sctx *strategy.Context) (d strategy.Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("strategy", sid).Interface("panic", p).Msg("on_bar_close panicked")
			d = nil
		}
	}()
	return strat.OnBarClose(sctx)
}

func (r *Runner) onTick(sid string, strat strategy.Strategy, sctx *strategy.Context, price float64) (d strategy.Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("strategy", sid).Interface("panic", p).Msg("on_tick panicked")
			d = nil
		}
	}()
	return strat.OnTick(sctx, price)
}

func errorConditions(msg string) strategy.ConditionSet {
	row := func(dir string) strategy.Condition {
		return strategy.Condition{
			Label:     "条件计算异常",
			OK:        false,
			Info:      msg,
			Direction: dir,
			Timeframe: "15m",
		}
	}
	return strategy.ConditionSet{
		Long:  []strategy.Condition{row(strategy.SideLong)},
		Short: []strategy.Condition{row(strategy.SideShort)},
	}
}

func fptr(v float64) *float64 { return &v }
