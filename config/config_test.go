package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", s.Binance.Symbol)
	assert.Equal(t, []string{"15m", "1h"}, s.Binance.Intervals)
	assert.Equal(t, 1000.0, s.Sim.InitialCapital)
	assert.Equal(t, 20, s.Sim.MaxLeverage)
	assert.Equal(t, 0.0004, s.Sim.FeeRate)
	assert.Equal(t, 20000.0, s.Risk.MaxPositionNotional)
	assert.Len(t, s.Risk.MMRTiers, 5)
	assert.Equal(t, 0.005, s.Risk.MMRTiers[2].MMR)
	assert.Equal(t, 500, s.Binance.WsReconnect.BaseDelayMs)

	// empty strategies list synthesizes a default entry
	require.Len(t, s.Strategies, 1)
	assert.Equal(t, "default", s.Strategies[0].ID)
	assert.Equal(t, "test", s.Strategies[0].Type)
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
binance:
  symbol: ETHUSDT
sim:
  initial_capital: 5000
strategies:
  - id: alpha
    type: ma_cross
  - id: beta
    type: simple_rsi_overtrade_strategy
    initial_capital: 250
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("BINANCE__SYMBOL", "SOLUSDT")
	t.Setenv("SIM__MAX_LEVERAGE", "10")

	s, err := Load(path)
	require.NoError(t, err)

	// env beats yaml, yaml beats defaults
	assert.Equal(t, "SOLUSDT", s.Binance.Symbol)
	assert.Equal(t, 10, s.Sim.MaxLeverage)
	assert.Equal(t, 5000.0, s.Sim.InitialCapital)

	require.Len(t, s.Strategies, 2)
	assert.Equal(t, "alpha", s.Strategies[0].ID)
	require.NotNil(t, s.Strategies[1].InitialCapital)
	assert.Equal(t, 250.0, *s.Strategies[1].InitialCapital)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	s.Sim.InitialCapital = 0
	assert.Error(t, s.Validate())

	s, _ = Load("")
	s.Strategies = []StrategyEntry{{ID: "a", Type: "test"}, {ID: "a", Type: "test"}}
	assert.Error(t, s.Validate())

	s, _ = Load("")
	s.API.WsPushInterval = "fast"
	assert.Error(t, s.Validate())
}

func TestPushInterval(t *testing.T) {
	a := APIConfig{WsPushInterval: "raw"}
	d, err := a.PushInterval()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d)

	a.WsPushInterval = "2"
	d, err = a.PushInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	a.WsPushInterval = "-1"
	_, err = a.PushInterval()
	assert.Error(t, err)
}
