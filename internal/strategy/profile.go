package strategy

import (
	"fmt"

	"github.com/spf13/viper"

	"binance-sim-trader/config"
)

// Profile is the fully merged per-strategy configuration handed to
// Configure. Merge order, later layers winning:
//
//	global sim/risk/kline_cache + registered type defaults
//	-> per-strategy YAML file (config_path)
//	-> inline params from the strategies entry
//	-> explicit initial_capital on the entry
type Profile struct {
	Sim        SimProfile
	Risk       RiskProfile
	KlineCache KlineCacheProfile
	// Strategy is the merged parameter block, exposed to calls as ctx.Params.
	Strategy   map[string]any
	Indicators map[string]map[string]any
}

type SimProfile struct {
	InitialCapital float64
	MaxLeverage    int
	FeeRate        float64
	Slippage       float64
}

type RiskProfile struct {
	MaxPositionNotional  float64
	MaxPositionPctEquity float64
	MMRTiers             []config.MMRTier
}

type KlineCacheProfile struct {
	MaxBars15m       int
	MaxBars1h        int
	WarmupExtraBars  int
	WarmupBufferMult float64
}

// RealtimeEntry reports whether the profile allows acting on entry signals
// from open-bar ticks.
func (p *Profile) RealtimeEntry() bool { return ParamBool(p.Strategy, "realtime_entry", false) }

// RealtimeExit reports whether the profile allows acting on exit actions
// from open-bar ticks.
func (p *Profile) RealtimeExit() bool { return ParamBool(p.Strategy, "realtime_exit", false) }

// CooldownAfterStop is the entry cooldown in 15m bars after a stop-out.
func (p *Profile) CooldownAfterStop(def int) int {
	return ParamInt(p.Strategy, "cooldown_after_stop", def)
}

// BuildProfile assembles one strategy instance's profile from the global
// settings, the registered type defaults, the optional per-strategy YAML
// file, and the entry's inline overrides.
func BuildProfile(settings *config.Settings, entry config.StrategyEntry) (*Profile, error) {
	typeStrategy, typeIndicators, err := Defaults(entry.Type)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{
		"sim": map[string]any{
			"initial_capital": settings.Sim.InitialCapital,
			"max_leverage":    settings.Sim.MaxLeverage,
			"fee_rate":        settings.Sim.FeeRate,
			"slippage":        settings.Sim.Slippage,
		},
		"risk": map[string]any{
			"max_position_notional":   settings.Risk.MaxPositionNotional,
			"max_position_pct_equity": settings.Risk.MaxPositionPctEquity,
		},
		"kline_cache": map[string]any{
			"max_bars_15m":       settings.KlineCache.MaxBars15m,
			"max_bars_1h":        settings.KlineCache.MaxBars1h,
			"warmup_extra_bars":  settings.KlineCache.WarmupExtraBars,
			"warmup_buffer_mult": settings.KlineCache.WarmupBufferMult,
		},
		"strategy":   typeStrategy,
		"indicators": indicatorsToAny(typeIndicators),
	}

	if entry.ConfigPath != "" {
		fileLayer, err := loadProfileFile(entry.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", entry.ID, err)
		}
		deepMerge(merged, fileLayer)
	}

	if len(entry.Params) > 0 {
		deepMerge(merged, map[string]any{"strategy": entry.Params})
	}
	if entry.InitialCapital != nil {
		deepMerge(merged, map[string]any{
			"sim": map[string]any{"initial_capital": *entry.InitialCapital},
		})
	}

	p := &Profile{
		Strategy:   section(merged, "strategy"),
		Indicators: anyToIndicators(section(merged, "indicators")),
	}
	sim := section(merged, "sim")
	p.Sim = SimProfile{
		InitialCapital: ParamFloat(sim, "initial_capital", settings.Sim.InitialCapital),
		MaxLeverage:    ParamInt(sim, "max_leverage", settings.Sim.MaxLeverage),
		FeeRate:        ParamFloat(sim, "fee_rate", settings.Sim.FeeRate),
		Slippage:       ParamFloat(sim, "slippage", settings.Sim.Slippage),
	}
	risk := section(merged, "risk")
	p.Risk = RiskProfile{
		MaxPositionNotional:  ParamFloat(risk, "max_position_notional", settings.Risk.MaxPositionNotional),
		MaxPositionPctEquity: ParamFloat(risk, "max_position_pct_equity", settings.Risk.MaxPositionPctEquity),
		MMRTiers:             settings.Risk.MMRTiers,
	}
	kc := section(merged, "kline_cache")
	p.KlineCache = KlineCacheProfile{
		MaxBars15m:       ParamInt(kc, "max_bars_15m", settings.KlineCache.MaxBars15m),
		MaxBars1h:        ParamInt(kc, "max_bars_1h", settings.KlineCache.MaxBars1h),
		WarmupExtraBars:  ParamInt(kc, "warmup_extra_bars", settings.KlineCache.WarmupExtraBars),
		WarmupBufferMult: ParamFloat(kc, "warmup_buffer_mult", settings.KlineCache.WarmupBufferMult),
	}
	if p.Sim.InitialCapital <= 0 {
		return nil, fmt.Errorf("strategy %q: initial_capital must be > 0", entry.ID)
	}
	return p, nil
}

// loadProfileFile reads a per-strategy YAML profile into a merge layer.
func loadProfileFile(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	return v.AllSettings(), nil
}

// deepMerge overlays src onto dst in place. Nested maps merge key by key;
// everything else, including slices, replaces wholesale.
func deepMerge(dst, src map[string]any) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
			dst[k] = copyAnyMap(sm)
			continue
		}
		dst[k] = sv
	}
}

func indicatorsToAny(src map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for name, block := range src {
		out[name] = copyAnyMap(block)
	}
	return out
}

func anyToIndicators(src map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(src))
	for name, v := range src {
		if block, ok := v.(map[string]any); ok {
			out[name] = block
		}
	}
	return out
}
