package marketdata

import (
	"context"
	"math"
	"sort"
	"time"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/indicators"
	"binance-sim-trader/internal/logging"
	"binance-sim-trader/internal/strategy"
)

// Per-interval floors on the final warmup plan, applied after the warmup
// policy has scaled the raw indicator requirement. Short warmups make the
// first live decisions run on barely-seeded indicators, so both timeframes
// keep a generous minimum.
var warmupFloors = map[string]int{
	binance.Interval15m: 500,
	binance.Interval1h:  200,
}

// policyBars applies a warmup policy: max(minBars×mult, minBars+extra).
func policyBars(p strategy.WarmupPolicy, minBars int) int {
	mult := p.BufferMult
	if mult < 1 {
		mult = 1
	}
	scaled := float64(minBars) * mult
	padded := float64(minBars + p.Extra)
	return int(math.Max(scaled, padded))
}

// MinBars aggregates a spec list into the per-interval maximum raw warmup
// requirement. Floors are applied later, after the warmup policy has scaled
// the raw value.
func MinBars(specs []indicators.Spec) map[string]int {
	out := make(map[string]int)
	for _, s := range specs {
		if s.WarmupBars() > out[s.Interval()] {
			out[s.Interval()] = s.WarmupBars()
		}
	}
	return out
}

// Requirements is the sized warmup plan for the whole process.
type Requirements struct {
	// WarmupBars is the per-interval bar count to load before going live,
	// maximized across strategies.
	WarmupBars map[string]int
	// BufferSizes is the per-interval ring capacity.
	BufferSizes map[string]int
}

// ComputeRequirements folds every strategy's spec list and warmup policy into
// one plan. maxBars caps nothing below the warmup need: a ring always holds
// at least the bars its strategies warmed up with.
func ComputeRequirements(
	specsByStrategy map[string][]indicators.Spec,
	policiesByStrategy map[string]map[string]strategy.WarmupPolicy,
	maxBars map[string]int,
) Requirements {
	req := Requirements{
		WarmupBars:  make(map[string]int),
		BufferSizes: make(map[string]int),
	}
	for sid, specs := range specsByStrategy {
		policies := policiesByStrategy[sid]
		for interval, minBars := range MinBars(specs) {
			bars := policyBars(policies[interval], minBars)
			if floor := warmupFloors[interval]; bars < floor {
				bars = floor
			}
			if bars > req.WarmupBars[interval] {
				req.WarmupBars[interval] = bars
			}
		}
	}
	for interval, warmup := range req.WarmupBars {
		size := maxBars[interval]
		if warmup > size {
			size = warmup
		}
		req.BufferSizes[interval] = size
	}
	return req
}

// Warmer loads historical bars into the buffers, preferring the local store
// and paging the REST API backwards for whatever is missing.
type Warmer struct {
	store     *database.Store
	rest      *binance.RestClient
	buffers   *BufferManager
	symbol    string
	pageLimit int
	pagePause time.Duration
}

func NewWarmer(store *database.Store, rest *binance.RestClient, buffers *BufferManager, symbol string) *Warmer {
	return &Warmer{
		store:     store,
		rest:      rest,
		buffers:   buffers,
		symbol:    symbol,
		pageLimit: 1500,
		pagePause: 200 * time.Millisecond,
	}
}

// WarmupAll loads every interval in order.
func (w *Warmer) WarmupAll(ctx context.Context, barsByInterval map[string]int, intervals []string) error {
	for _, interval := range intervals {
		if _, err := w.WarmupInterval(ctx, interval, barsByInterval[interval]); err != nil {
			return err
		}
	}
	return nil
}

// WarmupInterval fills one interval's buffer with barsNeeded closed bars and
// returns how many it loaded. Fetched bars are persisted before they enter
// the buffer so a restart can warm up without touching the network again.
func (w *Warmer) WarmupInterval(ctx context.Context, interval string, barsNeeded int) (int, error) {
	log := logging.Component("warmup")
	log.Info().Str("symbol", w.symbol).Str("interval", interval).Int("need", barsNeeded).Msg("warmup start")

	rows, err := w.store.RecentKlines(w.symbol, interval, barsNeeded)
	if err != nil {
		return 0, err
	}
	bars := make([]binance.Bar, 0, barsNeeded)
	for _, r := range rows {
		bars = append(bars, binance.Bar{
			OpenTime:  r.OpenTime,
			CloseTime: r.CloseTime,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
			Trades:    r.Trades,
			IsClosed:  true,
			Source:    r.Source,
		})
	}
	fromDB := len(bars)

	remaining := barsNeeded - fromDB
	var endTime int64
	if fromDB > 0 {
		endTime = bars[0].OpenTime - 1
	}

	fetched := 0
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		limit := w.pageLimit
		if remaining < limit {
			limit = remaining
		}
		page, err := w.rest.Klines(ctx, w.symbol, interval, limit, endTime)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			k := page[i]
			if err := w.store.UpsertKline(&database.Kline{
				Symbol:    w.symbol,
				Interval:  interval,
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				Open:      k.Open,
				High:      k.High,
				Low:       k.Low,
				Close:     k.Close,
				Volume:    k.Volume,
				Trades:    k.Trades,
				IsClosed:  true,
				Source:    "rest",
			}); err != nil {
				return 0, err
			}
		}
		bars = append(bars, page...)
		fetched += len(page)
		remaining -= len(page)
		endTime = page[0].OpenTime - 1

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(w.pagePause):
		}
	}

	// pages arrive newest-window-first; restore event order before priming
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime < bars[j].OpenTime })
	for _, b := range bars {
		w.buffers.Append(interval, b)
	}

	log.Info().
		Str("interval", interval).
		Int("total", len(bars)).
		Int("db", fromDB).
		Int("rest", fetched).
		Msg("warmup done")
	return len(bars), nil
}
