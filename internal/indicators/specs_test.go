package indicators

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-sim-trader/internal/binance"
)

func closeBar(c float64) binance.Bar {
	return binance.Bar{Open: c, High: c, Low: c, Close: c, IsClosed: true}
}

func ohlcBar(o, h, l, c float64) binance.Bar {
	return binance.Bar{Open: o, High: h, Low: l, Close: c, IsClosed: true}
}

func TestEMASeedAndRecurrence(t *testing.T) {
	e := NewEMA("ema3", "15m", 3)
	k := 2.0 / 4.0

	r := e.Update(closeBar(10))
	assert.Nil(t, r.Value, "one bar is not enough")

	// hand-rolled recurrence seeded at the first close
	want := 10.0
	closes := []float64{11, 12, 13, 14, 15}
	for i, c := range closes {
		want = c*k + want*(1-k)
		r = e.Update(closeBar(c))
		if i+2 >= e.WarmupBars() {
			require.NotNil(t, r.Value)
			assert.InDelta(t, want, *r.Value, 1e-12)
		}
	}
	assert.Len(t, r.History, 3)
	assert.InDelta(t, want, r.History[len(r.History)-1], 1e-12, "history is newest last")
}

func TestRSIWilderReference(t *testing.T) {
	// Wilder's original 14-period example: the first smoothed reading is 70.53.
	closes := []float64{
		44.3389, 44.0902, 44.1497, 43.6124, 44.3278, 44.8264, 45.0955, 45.4245,
		45.8433, 46.0826, 45.8931, 46.0328, 45.6140, 46.2820, 46.2820,
	}
	r := NewRSI("rsi14", "15m", 14)
	var res Result
	for i, c := range closes {
		res = r.Update(closeBar(c))
		if i < 14 {
			assert.Nil(t, res.Value, "no value before %d changes", 14)
		}
	}
	require.NotNil(t, res.Value)
	assert.InDelta(t, 70.53, *res.Value, 0.01)
}

func TestRSIAllGainsSaturates(t *testing.T) {
	r := NewRSI("rsi", "15m", 14)
	var res Result
	for c := 1.0; c <= 20; c++ {
		res = r.Update(closeBar(c))
	}
	require.NotNil(t, res.Value)
	assert.Equal(t, 100.0, *res.Value)
}

func TestMACDHistAndExtras(t *testing.T) {
	m := NewMACD("macd", "15m", 12, 26, 9)
	assert.Equal(t, 35, m.WarmupBars())

	var res Result
	for i := 0; i < 40; i++ {
		res = m.Update(closeBar(100 + float64(i)))
	}
	require.NotNil(t, res.Value)
	require.Contains(t, res.Extras, "macd")
	require.Contains(t, res.Extras, "signal")
	assert.InDelta(t, res.Extras["macd"]-res.Extras["signal"], *res.Value, 1e-12)
	// steadily rising closes keep the fast EMA above the slow one
	assert.Greater(t, res.Extras["macd"], 0.0)
}

func TestATRSeedAndSmoothing(t *testing.T) {
	a := NewATR("atr3", "15m", 3)

	// first bar TR is high-low; later bars include gaps against last close
	a.Update(ohlcBar(10, 12, 9, 11)) // TR=3, atr seeds at 3
	res := a.Update(ohlcBar(11, 15, 11, 14))
	assert.Nil(t, res.Value, "warmup is length+1 bars")

	// TR2 = max(15-11, |15-11|, |11-11|) = 4 -> atr = (3*2+4)/3
	res = a.Update(ohlcBar(14, 14.5, 13, 13.5))
	// TR3 = max(1.5, .5, 1) = 1.5 -> atr = (10/3*2+1.5)/3
	res = a.Update(ohlcBar(13.5, 14, 13, 13.8))
	require.NotNil(t, res.Value)

	want := 3.0
	want = (want*2 + 4) / 3
	want = (want*2 + 1.5) / 3
	want = (want*2 + math.Max(14-13, math.Max(math.Abs(14-13.5), math.Abs(13-13.5)))) / 3
	assert.InDelta(t, want, *res.Value, 1e-12)
	assert.Len(t, res.History, 1, "atr keeps a single-slot history")
}

func TestPreviewDoesNotMutate(t *testing.T) {
	specs := []Spec{
		NewEMA("ema", "15m", 5),
		NewRSI("rsi", "15m", 5),
		NewMACD("macd", "15m", 3, 6, 3),
		NewATR("atr", "15m", 5),
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 30; i++ {
		bar := ohlcBar(100, 101+rng.Float64(), 99-rng.Float64(), 100+rng.NormFloat64())
		for _, s := range specs {
			s.Update(bar)
		}
	}

	probe := ohlcBar(100, 103, 98, 102.5)
	for _, s := range specs {
		first := s.Preview(probe)
		second := s.Preview(probe)
		assert.Equal(t, first, second, "%s: repeated previews must agree", s.Name())

		committed := s.Update(probe)
		require.NotNil(t, committed.Value, s.Name())
		require.NotNil(t, first.Value, s.Name())
		assert.InDelta(t, *first.Value, *committed.Value, 1e-12,
			"%s: preview must equal the later commit", s.Name())
	}
}

func TestEngineIsolationAcrossStrategies(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("A", []Spec{NewEMA("ema", "15m", 20)}))
	require.NoError(t, e.Register("B", []Spec{NewEMA("ema", "15m", 20)}))

	rng := rand.New(rand.NewSource(42))
	var lastA, lastB map[string]Result
	for i := 0; i < 100; i++ {
		shared := closeBar(100 + rng.NormFloat64())
		out := e.UpdateOnClose("15m", shared)
		lastA, lastB = out["A"], out["B"]
	}
	// identical inputs, independent state, identical outputs
	require.NotNil(t, lastA["ema"].Value)
	require.NotNil(t, lastB["ema"].Value)
	assert.Equal(t, *lastA["ema"].Value, *lastB["ema"].Value)

	// feeding only A must leave B untouched
	before := *lastB["ema"].Value
	out := e.UpdateOnClose("15m", closeBar(500))
	assert.NotEqual(t, before, *out["A"]["ema"].Value)
	// B got the same bar here, so compare against a third strategy instead:
	// register C late and check it never observes A's accumulated state
	require.NoError(t, e.Register("C", []Spec{NewEMA("ema", "15m", 20)}))
	out = e.UpdateOnClose("15m", closeBar(500))
	assert.Nil(t, out["C"]["ema"].Value, "fresh spec starts from scratch")
	require.NotNil(t, out["A"]["ema"].Value)
}

func TestEngineRoutesByInterval(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("A", []Spec{
		NewEMA("ema15", "15m", 2),
		NewEMA("ema1h", "1h", 2),
	}))

	out := e.UpdateOnClose("15m", closeBar(10))
	_, has15 := out["A"]["ema15"]
	_, has1h := out["A"]["ema1h"]
	assert.True(t, has15)
	assert.False(t, has1h, "1h spec must not see 15m bars")
}

func TestEngineRejectsDuplicateSpec(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Register("A", []Spec{NewEMA("ema", "15m", 2)}))
	assert.Error(t, e.Register("A", []Spec{NewRSI("ema", "15m", 14)}))
}

func TestEngineDeterministicReplay(t *testing.T) {
	build := func() *Engine {
		e := NewEngine()
		_ = e.Register("A", []Spec{
			NewEMA("ema20", "15m", 20),
			NewRSI("rsi14", "15m", 14),
			NewMACD("macd", "15m", 12, 26, 9),
			NewATR("atr14", "15m", 14),
		})
		return e
	}

	rng := rand.New(rand.NewSource(99))
	bars := make([]binance.Bar, 120)
	for i := range bars {
		c := 100 + rng.NormFloat64()*2
		bars[i] = ohlcBar(c-0.2, c+1, c-1, c)
	}

	e1, e2 := build(), build()
	var last1, last2 map[string]Result
	for _, b := range bars {
		last1 = e1.UpdateOnClose("15m", b)["A"]
		last2 = e2.UpdateOnClose("15m", b)["A"]
	}
	assert.Equal(t, last1, last2, "replaying the same bars reproduces the same values")
}
