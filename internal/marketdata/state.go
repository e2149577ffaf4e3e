package marketdata

import (
	"sync"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/indicators"
	"binance-sim-trader/internal/strategy"
)

// CloseResult is what one closed bar produces: stream fragments for the
// UI snapshot, plus per-strategy contexts and raw indicator results on 15m
// closes.
type CloseResult struct {
	Stream   map[string]any
	Contexts map[string]*strategy.Context
	Results  map[string]map[string]indicators.Result
}

// StateManager owns the derived market state between the raw bar feed and
// the strategies: it commits closed bars into the indicator engine, caches
// the latest 1h indicator block per strategy, and assembles the per-strategy
// context on every 15m close. Position, cooldown, and params are injected
// later by the runner; the contexts leave here market-only.
type StateManager struct {
	mu      sync.Mutex
	buffers *BufferManager
	engine  *indicators.Engine
	// order fixes strategy iteration so the published payload always comes
	// from the first configured strategy.
	order []string
	ind1h map[string]map[string]*float64
}

func NewStateManager(buffers *BufferManager, engine *indicators.Engine, order []string) *StateManager {
	return &StateManager{
		buffers: buffers,
		engine:  engine,
		order:   append([]string(nil), order...),
		ind1h:   make(map[string]map[string]*float64),
	}
}

// PrimeFromHistory replays every buffered closed bar through the indicator
// engine, 1h first so the direction filter is in place before the first 15m
// context is built. Returns the context map from the newest 15m bar, which
// seeds the runner's tick handling.
func (s *StateManager) PrimeFromHistory() map[string]*strategy.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last map[string]*strategy.Context
	for _, bar := range s.buffers.Snapshot(binance.Interval1h) {
		s.applyClose(binance.Interval1h, bar)
	}
	for _, bar := range s.buffers.Snapshot(binance.Interval15m) {
		res := s.applyClose(binance.Interval15m, bar)
		if len(res.Contexts) > 0 {
			last = res.Contexts
		}
	}
	return last
}

// OnKlineUpdate handles an open-bar tick: no indicator state changes, just
// the live kline fragment for the stream plus non-mutating previews.
func (s *StateManager) OnKlineUpdate(interval string, bar binance.Bar) (map[string]any, map[string]map[string]indicators.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := map[string]any{
		"kline_" + interval: klinePayload(bar),
	}
	return payload, s.engine.Preview(interval, bar)
}

// OnKlineClose commits the closed bar into the buffer and the engine and
// derives the per-strategy state.
func (s *StateManager) OnKlineClose(interval string, bar binance.Bar) CloseResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers.Append(interval, bar)
	return s.applyClose(interval, bar)
}

// Ind1hReady reports whether the 1h indicator block has been cached for a
// strategy. Strategies with no 1h specs never become ready; their condition
// paths ignore the flag.
func (s *StateManager) Ind1hReady(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ind1h[sid] != nil
}

// Ind1hBlock returns a copy of the cached 1h indicator block for a strategy,
// nil before the first 1h close.
func (s *StateManager) Ind1hBlock(sid string) map[string]*float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	block := s.ind1h[sid]
	if block == nil {
		return nil
	}
	out := make(map[string]*float64, len(block))
	for k, v := range block {
		out[k] = v
	}
	return out
}

// BufferLens reports the current per-interval buffer depths.
func (s *StateManager) BufferLens() map[string]int {
	out := make(map[string]int)
	for _, interval := range s.buffers.Intervals() {
		out[interval] = s.buffers.Len(interval)
	}
	return out
}

func (s *StateManager) applyClose(interval string, bar binance.Bar) CloseResult {
	results := s.engine.UpdateOnClose(interval, bar)
	res := CloseResult{
		Stream:  map[string]any{"kline_" + interval: klinePayload(bar)},
		Results: results,
	}

	if interval == binance.Interval1h {
		for sid, byName := range results {
			block := map[string]*float64{"close_1h": fptr(bar.Close)}
			for name, r := range byName {
				block[name] = r.Value
			}
			s.ind1h[sid] = block
		}
		if len(s.order) > 0 {
			if block := s.ind1h[s.order[0]]; block != nil {
				res.Stream["indicators_1h"] = block
			}
		}
		return res
	}

	if interval != binance.Interval15m {
		return res
	}

	res.Contexts = make(map[string]*strategy.Context, len(s.order))
	for _, sid := range s.order {
		res.Contexts[sid] = s.buildContext(sid, bar, results[sid])
	}

	// the live panel shows one indicator set; the first configured strategy
	// provides it
	if len(s.order) > 0 {
		if byName := results[s.order[0]]; len(byName) > 0 {
			vals := make(map[string]*float64, len(byName))
			for name, r := range byName {
				vals[name] = r.Value
			}
			res.Stream["indicators_15m"] = vals
		}
	}
	return res
}

func (s *StateManager) buildContext(sid string, bar binance.Bar, byName map[string]indicators.Result) *strategy.Context {
	indMap := make(map[string]*float64, len(byName)+5)
	history := make(map[string][]float64, len(byName))
	for name, r := range byName {
		indMap[name] = r.Value
		if len(r.History) > 0 {
			history[name] = r.History
		}
	}
	for name, v := range s.ind1h[sid] {
		indMap[name] = v
	}
	indMap["close_15m"] = fptr(bar.Close)

	return &strategy.Context{
		Timestamp:  bar.CloseTime,
		Interval:   binance.Interval15m,
		Price:      bar.Close,
		Close15m:   bar.Close,
		Low15m:     bar.Low,
		High15m:    bar.High,
		Indicators: indMap,
		History:    history,
	}
}

// klinePayload is the compact kline fragment pushed to the frontend stream.
func klinePayload(bar binance.Bar) map[string]any {
	return map[string]any{
		"t": bar.OpenTime,
		"T": bar.CloseTime,
		"o": bar.Open,
		"h": bar.High,
		"l": bar.Low,
		"c": bar.Close,
		"v": bar.Volume,
		"x": bar.IsClosed,
	}
}

func fptr(v float64) *float64 { return &v }
