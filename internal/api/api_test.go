package api

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"binance-sim-trader/config"
	"binance-sim-trader/internal/database"
	"binance-sim-trader/internal/engine"
)

func testSettings() *config.Settings {
	return &config.Settings{
		App: config.AppConfig{Env: "dev"},
		Binance: config.BinanceConfig{
			RestBase:  "https://example.invalid",
			WsBase:    "wss://example.invalid",
			Symbol:    "BTCUSDT",
			Intervals: []string{"15m", "1h"},
		},
		Sim: config.SimConfig{InitialCapital: 1000, MaxLeverage: 20, FeeRate: 0.0004},
		Risk: config.RiskConfig{
			MaxPositionNotional:  20000,
			MaxPositionPctEquity: 1.0,
			MMRTiers:             []config.MMRTier{{NotionalUSDT: 1e9, MMR: 0.004}},
		},
		Cooldown:   config.CooldownConfig{Enabled: true, BarsAfterExit: 2},
		KlineCache: config.KlineCacheConfig{MaxBars15m: 2000, MaxBars1h: 2000, WarmupExtraBars: 200, WarmupBufferMult: 3},
		API: config.APIConfig{
			CorsAllowOrigins: []string{"*"},
			WsPushInterval:   "raw",
			WsPushFormat:     "msgpack",
		},
		Strategies: []config.StrategyEntry{{ID: "s1", Type: "simple_rsi_overtrade_strategy"}},
	}
}

func newTestServer(t *testing.T) (*Server, *database.Store) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := testSettings()
	status := NewStatusStore()
	stream := NewStreamStore()
	rt, err := engine.NewRuntime(settings, store, status, stream, nil)
	require.NoError(t, err)
	return NewServer(settings, store, rt, status, stream), store
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.router.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestStatusStoreNestsPosition(t *testing.T) {
	st := NewStatusStore()
	st.Update(map[string]any{
		"balance": 992.0, "equity": 1192.0, "upl": 200.0,
		"margin_used": 1000.0, "free_margin": 192.0,
		"position_side": "LONG", "position_qty": 200.0, "entry_price": 100.0,
		"stop_price": 99.0, "tp1_price": 102.0, "tp2_price": 104.0,
		"liq_price": 95.38, "cooldown_bars": 0,
	})
	got := st.Get()
	assert.Equal(t, 992.0, got["balance"])
	pos, ok := got["position"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LONG", pos["side"])
	assert.Equal(t, 102.0, pos["tp1_price"])
	assert.NotZero(t, got["timestamp"])
}

func TestStreamStoreConditionsMergePerStrategy(t *testing.T) {
	st := NewStreamStore()
	st.UpdateSnapshot(map[string]any{"conditions": map[string]any{"a": "condsA"}})
	st.UpdateSnapshot(map[string]any{"conditions": map[string]any{"b": "condsB"}})

	conds := st.Conditions()
	assert.Equal(t, "condsA", conds["a"])
	assert.Equal(t, "condsB", conds["b"])

	st.ResetStrategy("a")
	conds = st.Conditions()
	assert.NotContains(t, conds, "a")
	assert.Contains(t, conds, "b")
}

func TestStreamStoreEventRingAndFilter(t *testing.T) {
	st := NewStreamStore()
	for i := 0; i < eventRingCap+10; i++ {
		sid := "a"
		if i%2 == 0 {
			sid = "b"
		}
		st.AddEvent(map[string]any{"sid": sid, "n": i})
	}

	all := st.Events(1000, "")
	assert.Len(t, all, eventRingCap, "ring evicts the oldest")

	onlyA := st.Events(10, "a")
	require.Len(t, onlyA, 10)
	for _, e := range onlyA {
		assert.Equal(t, "a", e["sid"])
	}

	st.ResetStrategy("a")
	assert.Empty(t, st.Events(1000, "a"))
	assert.NotEmpty(t, st.Events(1000, "b"))
}

func TestStreamPayloadShortKeys(t *testing.T) {
	st := NewStreamStore()
	st.UpdateSnapshot(map[string]any{
		"kline_15m":      map[string]any{"c": 100.0},
		"indicators_15m": map[string]any{"rsi14_15m": 55.0},
		"last_signal":    map[string]any{"type": "entry"},
		"conditions":     map[string]any{"a": "condsA", "b": "condsB"},
	})
	st.AddEvent(map[string]any{"sid": "a", "type": "trade"})
	st.AddEvent(map[string]any{"sid": "b", "type": "trade"})

	p := st.Payload(50, "a")
	assert.NotNil(t, p["k"])
	assert.NotNil(t, p["i15"])
	assert.NotNil(t, p["sig"])
	cond, ok := p["cond"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cond, "a")
	assert.NotContains(t, cond, "b")
	ev, ok := p["ev"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ev, 1)
	assert.Equal(t, "a", ev[0]["sid"])
}

func TestPackPayloadRoundTrip(t *testing.T) {
	data, err := packPayload(map[string]any{"ts": int64(123), "k": map[string]any{"c": 100.5}})
	require.NoError(t, err)

	zr, err := zlib.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, msgpack.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 123, decoded["ts"])
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := get(t, s, "/api/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "balance")
	assert.Contains(t, body, "position")
}

func TestStrategiesEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := get(t, s, "/api/strategies")
	require.Equal(t, http.StatusOK, code)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	entry := items[0].(map[string]any)
	assert.Equal(t, "s1", entry["id"])
	assert.Equal(t, "simple_rsi_overtrade_strategy", entry["type"])
	assert.Nil(t, entry["position"])
}

func TestStatsEndpoint(t *testing.T) {
	s, store := newTestServer(t)

	// two tp2 finishes, one of them after a tp1 partial, and one stop-out
	for i, c := range []struct {
		reason string
		tp1Hit bool
	}{{"tp2", true}, {"tp2", false}, {"stop", false}} {
		row := &database.Position{
			Strategy: "s1", Symbol: "BTCUSDT", Side: "LONG",
			Qty: 1, EntryPrice: 100, EntryTime: int64(i), Leverage: 20, Margin: 5,
			TP1Hit: c.tp1Hit,
		}
		require.NoError(t, store.CreatePosition(row))
		require.NoError(t, store.ClosePosition(row.ID, 10, 0.1, nil, int64(i+1), c.reason))
	}
	require.NoError(t, store.InsertEquitySnapshot(&database.EquitySnapshot{
		Strategy: "s1", Timestamp: 99, Balance: 1200, Equity: 1200,
	}))

	code, body := get(t, s, "/api/stats?strategy=s1")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["closed_positions"])
	assert.InDelta(t, 1.0/3.0, body["tp1_rate"].(float64), 1e-9)
	assert.InDelta(t, 2.0/3.0, body["tp2_rate"].(float64), 1e-9)
	assert.InDelta(t, 1.0/3.0, body["stop_rate"].(float64), 1e-9)
	assert.InDelta(t, 0.2, body["roi"].(float64), 1e-9)
}

func TestTradesEndpointStrategyFilter(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.InsertTrade(&database.Trade{Strategy: "s1", Symbol: "BTCUSDT", Timestamp: 1}))
	require.NoError(t, store.InsertTrade(&database.Trade{Strategy: "other", Symbol: "BTCUSDT", Timestamp: 2}))

	code, body := get(t, s, "/api/trades?strategy=s1")
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0].(map[string]any)["strategy"])
}

func TestIndicatorHistoryReplay(t *testing.T) {
	s, store := newTestServer(t)
	for i := 0; i < 30; i++ {
		require.NoError(t, store.UpsertKline(&database.Kline{
			Symbol: "BTCUSDT", Interval: "15m",
			OpenTime: int64(i * 900_000), CloseTime: int64(i*900_000 + 899_999),
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i%5),
			IsClosed: true, Source: "rest",
		}))
	}

	code, body := get(t, s, "/api/indicator_history?interval=15m&limit=30")
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.NotEmpty(t, items)
	last := items[len(items)-1].(map[string]any)
	assert.Contains(t, last, "rsi14_15m")
	assert.EqualValues(t, 29*900, last["time"])
}

func TestResetStrategyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/strategies/s1/reset", nil)
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/strategies/nope/reset", nil)
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
