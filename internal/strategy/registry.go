package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Registration binds a strategy type tag to its factory and the default
// parameter blocks merged into every profile of that type.
type Registration struct {
	Factory           func() Strategy
	StrategyDefaults  map[string]any
	IndicatorDefaults map[string]map[string]any
}

var (
	regMu    sync.RWMutex
	registry = map[string]Registration{}
)

// Register installs a strategy type. Re-registering an existing tag requires
// replace=true so builtins cannot be shadowed by accident.
func Register(typ string, reg Registration, replace bool) error {
	if typ == "" {
		return fmt.Errorf("strategy type tag must not be empty")
	}
	if reg.Factory == nil {
		return fmt.Errorf("strategy %q registered without a factory", typ)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := registry[typ]; exists && !replace {
		return fmt.Errorf("strategy type %q already registered", typ)
	}
	registry[typ] = reg
	return nil
}

// Create instantiates a registered strategy type.
func Create(typ string) (Strategy, error) {
	regMu.RLock()
	reg, ok := registry[typ]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (known: %v)", typ, Types())
	}
	return reg.Factory(), nil
}

// Defaults returns deep copies of the registered default blocks for a type.
func Defaults(typ string) (map[string]any, map[string]map[string]any, error) {
	regMu.RLock()
	reg, ok := registry[typ]
	regMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown strategy type %q", typ)
	}
	strat := copyAnyMap(reg.StrategyDefaults)
	inds := make(map[string]map[string]any, len(reg.IndicatorDefaults))
	for name, block := range reg.IndicatorDefaults {
		inds[name] = copyAnyMap(block)
	}
	return strat, inds, nil
}

// Types lists registered type tags, sorted for stable error messages.
func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for typ := range registry {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func copyAnyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			out[k] = copyAnyMap(m)
			continue
		}
		out[k] = v
	}
	return out
}

func init() {
	mustRegisterBuiltins()
}

func mustRegisterBuiltins() {
	builtins := []struct {
		typ string
		reg Registration
	}{
		{
			typ: "test",
			reg: Registration{
				Factory: func() Strategy { return &TestStrategy{} },
				StrategyDefaults: map[string]any{
					"trend_strength_min": 0.003,
					"atr_stop_mult":      1.5,
					"cooldown_after_stop": 4,
					"rsi_long_lower":     50.0,
					"rsi_long_upper":     60.0,
					"rsi_short_upper":    50.0,
					"rsi_short_lower":    40.0,
					"rsi_slope_required": true,
					"realtime_entry":     false,
					"realtime_exit":      false,
				},
				IndicatorDefaults: map[string]map[string]any{
					"rsi":       {"length": 14},
					"ema_fast":  {"length": 12},
					"ema_slow":  {"length": 26},
					"macd":      {"fast": 12, "slow": 26, "signal": 9},
					"atr":       {"length": 14},
					"ema_trend": {"fast": 20, "slow": 60},
				},
			},
		},
		{
			typ: "ma_cross",
			reg: Registration{
				Factory: func() Strategy { return &MaCrossStrategy{} },
				StrategyDefaults: map[string]any{
					"atr_stop_mult":       1.2,
					"cooldown_after_stop": 2,
					"realtime_entry":      false,
					"realtime_exit":       false,
				},
				IndicatorDefaults: map[string]map[string]any{
					"ema_fast":  {"length": 20},
					"ema_slow":  {"length": 60},
					"ema_trend": {"fast": 20, "slow": 60},
					"rsi":       {"length": 14},
					"atr":       {"length": 14},
				},
			},
		},
		{
			typ: "simple_rsi_overtrade_strategy",
			reg: Registration{
				Factory: func() Strategy { return &RsiOvertradeStrategy{} },
				StrategyDefaults: map[string]any{
					"rsi_low":        30.0,
					"rsi_high":       70.0,
					"stop_loss_pct":  0.01,
					"rr":             1.5,
					"realtime_entry": false,
					"realtime_exit":  true,
				},
				IndicatorDefaults: map[string]map[string]any{
					"rsi": {"length": 14},
				},
			},
		},
	}
	for _, b := range builtins {
		if err := Register(b.typ, b.reg, false); err != nil {
			panic(err)
		}
	}
}
