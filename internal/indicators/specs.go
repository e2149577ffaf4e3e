package indicators

import (
	"math"

	"binance-sim-trader/internal/binance"
)

// Result is one indicator reading. Value is nil until the spec has seen its
// warmup bars. History holds the most recent computed values, newest last,
// bounded by the spec's history size. Extras carry secondary lines (the MACD
// and signal lines for the histogram spec).
type Result struct {
	Name    string             `json:"name"`
	Value   *float64           `json:"value"`
	History []float64          `json:"history,omitempty"`
	Extras  map[string]float64 `json:"extras,omitempty"`
}

// Spec is one named scalar indicator bound to an interval. Update commits a
// closed bar into the spec's state; Preview computes the reading Update would
// produce without committing anything.
type Spec interface {
	Name() string
	Interval() string
	WarmupBars() int
	HistorySize() int
	Update(bar binance.Bar) Result
	Preview(bar binance.Bar) Result
}

func fptr(v float64) *float64 { return &v }

// pushHistory appends v keeping at most size entries.
func pushHistory(h []float64, v float64, size int) []float64 {
	h = append(h, v)
	if len(h) > size {
		h = h[len(h)-size:]
	}
	return h
}

func copyHistory(h []float64) []float64 {
	if len(h) == 0 {
		return nil
	}
	out := make([]float64, len(h))
	copy(out, h)
	return out
}

// ---------------------------------------------------------------------------
// EMA

type emaCore struct {
	seeded bool
	ema    float64
}

func (c emaCore) next(close float64, k float64) emaCore {
	if !c.seeded {
		return emaCore{seeded: true, ema: close}
	}
	return emaCore{seeded: true, ema: close*k + c.ema*(1-k)}
}

// EMA is an exponential moving average seeded at the first close.
type EMA struct {
	name     string
	interval string
	length   int
	k        float64
	bars     int
	core     emaCore
	history  []float64
}

func NewEMA(name, interval string, length int) *EMA {
	return &EMA{
		name:     name,
		interval: interval,
		length:   length,
		k:        2.0 / (float64(length) + 1.0),
	}
}

func (e *EMA) Name() string     { return e.name }
func (e *EMA) Interval() string { return e.interval }
func (e *EMA) WarmupBars() int {
	if e.length+1 < 2 {
		return 2
	}
	return e.length + 1
}
func (e *EMA) HistorySize() int { return 3 }

func (e *EMA) result(core emaCore, bars int, history []float64) Result {
	r := Result{Name: e.name, History: copyHistory(history)}
	if core.seeded && bars >= e.WarmupBars() {
		r.Value = fptr(core.ema)
	}
	return r
}

func (e *EMA) Update(bar binance.Bar) Result {
	e.core = e.core.next(bar.Close, e.k)
	e.bars++
	if e.bars >= e.WarmupBars() {
		e.history = pushHistory(e.history, e.core.ema, e.HistorySize())
	}
	return e.result(e.core, e.bars, e.history)
}

func (e *EMA) Preview(bar binance.Bar) Result {
	core := e.core.next(bar.Close, e.k)
	return e.result(core, e.bars+1, e.history)
}

// ---------------------------------------------------------------------------
// RSI

type rsiCore struct {
	hasLast   bool
	lastClose float64
	changes   int
	sumGain   float64
	sumLoss   float64
	avgGain   float64
	avgLoss   float64
}

func (c rsiCore) next(close float64, length int) rsiCore {
	if !c.hasLast {
		c.hasLast = true
		c.lastClose = close
		return c
	}
	gain := math.Max(close-c.lastClose, 0)
	loss := math.Max(c.lastClose-close, 0)
	c.lastClose = close
	c.changes++
	if c.changes <= length {
		// seed phase: simple average over the first length changes
		c.sumGain += gain
		c.sumLoss += loss
		if c.changes == length {
			c.avgGain = c.sumGain / float64(length)
			c.avgLoss = c.sumLoss / float64(length)
		}
		return c
	}
	l := float64(length)
	c.avgGain = (c.avgGain*(l-1) + gain) / l
	c.avgLoss = (c.avgLoss*(l-1) + loss) / l
	return c
}

func (c rsiCore) value(length int) *float64 {
	if c.changes < length {
		return nil
	}
	if c.avgLoss == 0 {
		return fptr(100)
	}
	return fptr(100 - 100/(1+c.avgGain/c.avgLoss))
}

// RSI uses Wilder smoothing with the seeded form: the first length changes
// are simple-averaged, later changes are smoothed.
type RSI struct {
	name     string
	interval string
	length   int
	core     rsiCore
	history  []float64
}

func NewRSI(name, interval string, length int) *RSI {
	return &RSI{name: name, interval: interval, length: length}
}

func (r *RSI) Name() string     { return r.name }
func (r *RSI) Interval() string { return r.interval }
func (r *RSI) WarmupBars() int  { return r.length + 1 }
func (r *RSI) HistorySize() int { return 3 }

func (r *RSI) result(core rsiCore, history []float64) Result {
	return Result{Name: r.name, Value: core.value(r.length), History: copyHistory(history)}
}

func (r *RSI) Update(bar binance.Bar) Result {
	r.core = r.core.next(bar.Close, r.length)
	if v := r.core.value(r.length); v != nil {
		r.history = pushHistory(r.history, *v, r.HistorySize())
	}
	return r.result(r.core, r.history)
}

func (r *RSI) Preview(bar binance.Bar) Result {
	core := r.core.next(bar.Close, r.length)
	return r.result(core, r.history)
}

// ---------------------------------------------------------------------------
// MACD histogram

type macdCore struct {
	fast   emaCore
	slow   emaCore
	signal emaCore
	bars   int
}

func (c macdCore) next(close float64, kFast, kSlow, kSignal float64) macdCore {
	c.fast = c.fast.next(close, kFast)
	c.slow = c.slow.next(close, kSlow)
	macd := c.fast.ema - c.slow.ema
	c.signal = c.signal.next(macd, kSignal)
	c.bars++
	return c
}

// MACD reports the histogram as its primary value; the macd and signal lines
// ride along in Extras.
type MACD struct {
	name     string
	interval string
	fast     int
	slow     int
	signal   int
	kFast    float64
	kSlow    float64
	kSignal  float64
	core     macdCore
	history  []float64
}

func NewMACD(name, interval string, fast, slow, signal int) *MACD {
	return &MACD{
		name:     name,
		interval: interval,
		fast:     fast,
		slow:     slow,
		signal:   signal,
		kFast:    2.0 / (float64(fast) + 1.0),
		kSlow:    2.0 / (float64(slow) + 1.0),
		kSignal:  2.0 / (float64(signal) + 1.0),
	}
}

func (m *MACD) Name() string     { return m.name }
func (m *MACD) Interval() string { return m.interval }
func (m *MACD) WarmupBars() int {
	longest := m.fast
	if m.slow > longest {
		longest = m.slow
	}
	return longest + m.signal
}
func (m *MACD) HistorySize() int { return 3 }

func (m *MACD) result(core macdCore, history []float64) Result {
	r := Result{Name: m.name, History: copyHistory(history)}
	if core.bars >= m.WarmupBars() {
		macd := core.fast.ema - core.slow.ema
		hist := macd - core.signal.ema
		r.Value = fptr(hist)
		r.Extras = map[string]float64{"macd": macd, "signal": core.signal.ema}
	}
	return r
}

func (m *MACD) Update(bar binance.Bar) Result {
	m.core = m.core.next(bar.Close, m.kFast, m.kSlow, m.kSignal)
	if m.core.bars >= m.WarmupBars() {
		hist := (m.core.fast.ema - m.core.slow.ema) - m.core.signal.ema
		m.history = pushHistory(m.history, hist, m.HistorySize())
	}
	return m.result(m.core, m.history)
}

func (m *MACD) Preview(bar binance.Bar) Result {
	core := m.core.next(bar.Close, m.kFast, m.kSlow, m.kSignal)
	return m.result(core, m.history)
}

// ---------------------------------------------------------------------------
// ATR

type atrCore struct {
	hasLast   bool
	lastClose float64
	seeded    bool
	atr       float64
	bars      int
}

func (c atrCore) next(bar binance.Bar, length int) atrCore {
	tr := bar.High - bar.Low
	if c.hasLast {
		tr = math.Max(tr, math.Max(math.Abs(bar.High-c.lastClose), math.Abs(bar.Low-c.lastClose)))
	}
	if !c.seeded {
		c.atr = tr
		c.seeded = true
	} else {
		l := float64(length)
		c.atr = (c.atr*(l-1) + tr) / l
	}
	c.hasLast = true
	c.lastClose = bar.Close
	c.bars++
	return c
}

// ATR is Wilder's average true range, seeded with the first bar's range.
type ATR struct {
	name     string
	interval string
	length   int
	core     atrCore
	history  []float64
}

func NewATR(name, interval string, length int) *ATR {
	return &ATR{name: name, interval: interval, length: length}
}

func (a *ATR) Name() string     { return a.name }
func (a *ATR) Interval() string { return a.interval }
func (a *ATR) WarmupBars() int  { return a.length + 1 }
func (a *ATR) HistorySize() int { return 1 }

func (a *ATR) result(core atrCore, history []float64) Result {
	r := Result{Name: a.name, History: copyHistory(history)}
	if core.bars >= a.WarmupBars() {
		r.Value = fptr(core.atr)
	}
	return r
}

func (a *ATR) Update(bar binance.Bar) Result {
	a.core = a.core.next(bar, a.length)
	if a.core.bars >= a.WarmupBars() {
		a.history = pushHistory(a.history, a.core.atr, a.HistorySize())
	}
	return a.result(a.core, a.history)
}

func (a *ATR) Preview(bar binance.Bar) Result {
	core := a.core.next(bar, a.length)
	return a.result(core, a.history)
}
