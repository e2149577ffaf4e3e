package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertKlineIdempotent(t *testing.T) {
	s := openTestStore(t)

	k := &Kline{
		Symbol: "BTCUSDT", Interval: "15m", OpenTime: 1000, CloseTime: 1899,
		Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10, Trades: 3,
		IsClosed: true, Source: "ws",
	}
	require.NoError(t, s.UpsertKline(k))

	// same identity, amended values
	k2 := &Kline{
		Symbol: "BTCUSDT", Interval: "15m", OpenTime: 1000, CloseTime: 1899,
		Open: 1, High: 2.5, Low: 0.5, Close: 1.7, Volume: 12, Trades: 4,
		IsClosed: true, Source: "rest",
	}
	require.NoError(t, s.UpsertKline(k2))

	rows, err := s.RecentKlines("BTCUSDT", "15m", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.7, rows[0].Close)
	assert.Equal(t, "rest", rows[0].Source)
}

func TestRecentKlinesAscending(t *testing.T) {
	s := openTestStore(t)

	for _, ot := range []int64{3000, 1000, 2000} {
		require.NoError(t, s.UpsertKline(&Kline{
			Symbol: "BTCUSDT", Interval: "15m", OpenTime: ot, CloseTime: ot + 899,
			IsClosed: true, Source: "rest",
		}))
	}
	rows, err := s.RecentKlines("BTCUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2000), rows[0].OpenTime)
	assert.Equal(t, int64(3000), rows[1].OpenTime)
}

func TestOpenPositionLookupAndFallback(t *testing.T) {
	s := openTestStore(t)

	p, err := s.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.Nil(t, p)

	// rows written by an old single-strategy deployment land under "default"
	require.NoError(t, s.CreatePosition(&Position{
		Strategy: "default", Symbol: "BTCUSDT", Side: SideLong,
		Qty: 1, EntryPrice: 100, EntryTime: 1, Leverage: 20, Margin: 5,
	}))

	p, err = s.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "default", p.Strategy)

	require.NoError(t, s.CreatePosition(&Position{
		Strategy: "alpha", Symbol: "BTCUSDT", Side: SideShort,
		Qty: 2, EntryPrice: 200, EntryTime: 2, Leverage: 20, Margin: 20,
	}))

	p, err = s.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "alpha", p.Strategy)
	assert.Equal(t, SideShort, p.Side)
}

func TestClosePositionFinalizes(t *testing.T) {
	s := openTestStore(t)

	pos := &Position{
		Strategy: "alpha", Symbol: "BTCUSDT", Side: SideLong,
		Qty: 1, EntryPrice: 100, EntryTime: 1, Leverage: 20, Margin: 5,
	}
	require.NoError(t, s.CreatePosition(pos))
	require.NoError(t, s.ClosePosition(pos.ID, 42.0, 1.2, nil, 99, "tp2"))

	p, err := s.GetOpenPosition("BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.Nil(t, p)

	rows, err := s.ListPositions(ListFilter{Strategy: "alpha"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusClosed, rows[0].Status)
	assert.Equal(t, 42.0, rows[0].RealizedPnl)
	require.NotNil(t, rows[0].CloseReason)
	assert.Equal(t, "tp2", *rows[0].CloseReason)
}

func TestHasFundingEntry(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.HasFundingEntry("alpha", "1700000000000")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertLedger(&LedgerEntry{
		Strategy: "alpha", Timestamp: 1, Type: LedgerFunding,
		Amount: 2.0, Currency: "USDT", Symbol: "BTCUSDT", Ref: "1700000000000",
	}))

	ok, err = s.HasFundingEntry("alpha", "1700000000000")
	require.NoError(t, err)
	assert.True(t, ok)

	// same ref under another strategy is a separate settlement
	ok, err = s.HasFundingEntry("beta", "1700000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppStateRoundtrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetAppState("accounts")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAppState("accounts", `{"alpha":1000}`))
	require.NoError(t, s.SetAppState("accounts", `{"alpha":992}`))

	v, ok, err := s.GetAppState("accounts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"alpha":992}`, v)
}

func TestStrategyStatsCounts(t *testing.T) {
	s := openTestStore(t)

	mk := func(reason string) {
		p := &Position{Strategy: "alpha", Symbol: "BTCUSDT", Side: SideLong, Qty: 1, EntryPrice: 100, EntryTime: 1, Leverage: 20, Margin: 5}
		require.NoError(t, s.CreatePosition(p))
		require.NoError(t, s.ClosePosition(p.ID, 0, 0, nil, 2, reason))
	}
	mk("tp2")
	mk("tp2")
	mk("stop")

	st, err := s.GetStrategyStats("BTCUSDT", "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.ClosedPositions)
	assert.Equal(t, int64(2), st.TP2Closes)
	assert.Equal(t, int64(1), st.StopCloses)
	assert.Equal(t, int64(0), st.TP1Closes)
}
