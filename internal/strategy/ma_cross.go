package strategy

import (
	"fmt"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/indicators"
)

// MaCrossStrategy is a dual-EMA trend follower: long while ema20>ema60 with
// the 1h RSI above 50, short on the mirror. Exits only on a trend flip at
// bar close; protective stop and targets are enforced by the shared exit
// handling in the runtime.
type MaCrossStrategy struct {
	profile *Profile
}

func (s *MaCrossStrategy) ID() string { return "ma_cross" }

func (s *MaCrossStrategy) Configure(profile *Profile) { s.profile = profile }

func (s *MaCrossStrategy) IndicatorRequirements() []indicators.Spec {
	var blocks map[string]map[string]any
	if s.profile != nil {
		blocks = s.profile.Indicators
	}
	emaFast := indicatorLength(blocks, "ema_fast", "length", 20)
	emaSlow := indicatorLength(blocks, "ema_slow", "length", 60)
	trendFast := indicatorLength(blocks, "ema_trend", "fast", 20)
	trendSlow := indicatorLength(blocks, "ema_trend", "slow", 60)
	rsiLen := indicatorLength(blocks, "rsi", "length", 14)
	atrLen := indicatorLength(blocks, "atr", "length", 14)

	return []indicators.Spec{
		indicators.NewEMA("ema20_15m", binance.Interval15m, emaFast),
		indicators.NewEMA("ema60_15m", binance.Interval15m, emaSlow),
		indicators.NewATR("atr14_15m", binance.Interval15m, atrLen),
		indicators.NewEMA("ema20_1h", binance.Interval1h, trendFast),
		indicators.NewEMA("ema60_1h", binance.Interval1h, trendSlow),
		indicators.NewRSI("rsi14_1h", binance.Interval1h, rsiLen),
	}
}

func (s *MaCrossStrategy) WarmupPolicies() map[string]WarmupPolicy {
	policy := warmupPolicyFromProfile(s.profile)
	return map[string]WarmupPolicy{
		binance.Interval15m: policy,
		binance.Interval1h:  policy,
	}
}

func (s *MaCrossStrategy) DescribeConditions(ctx *Context, ind1hReady, hasPosition bool, cooldownBars int) ConditionSet {
	item := func(label string, ok bool) Condition { return Condition{Label: label, OK: ok} }

	if !ind1hReady {
		c := item("1h指标未就绪", false)
		return ConditionSet{Long: []Condition{c}, Short: []Condition{c}}
	}
	if hasPosition {
		c := item("已有持仓", false)
		return ConditionSet{Long: []Condition{c}, Short: []Condition{c}}
	}
	if cooldownBars > 0 {
		c := item(fmt.Sprintf("冷却中(%d)", cooldownBars), false)
		return ConditionSet{Long: []Condition{c}, Short: []Condition{c}}
	}

	ema20 := ctx.IndOr("ema20_15m", 0)
	ema60 := ctx.IndOr("ema60_15m", 0)
	prevE20 := ctx.PrevOr("ema20_15m", 1, ema20)
	prevE60 := ctx.PrevOr("ema60_15m", 1, ema60)
	rsi1h := ctx.Ind("rsi14_1h")
	atr15 := ctx.Ind("atr14_15m")

	var condLong, condShort []Condition
	condLong = append(condLong, Condition{
		Label: "15m EMA 多头", OK: ema20 > ema60,
		Info: fmt.Sprintf("ema20:%.2f (prev:%.2f), ema60:%.2f (prev:%.2f), 期望 ema20>ema60", ema20, prevE20, ema60, prevE60),
	})
	condShort = append(condShort, Condition{
		Label: "15m EMA 空头", OK: ema20 < ema60,
		Info: fmt.Sprintf("ema20:%.2f (prev:%.2f), ema60:%.2f (prev:%.2f), 期望 ema20<ema60", ema20, prevE20, ema60, prevE60),
	})
	condLong = append(condLong, Condition{Label: "1h RSI 多头", OK: derefOr(rsi1h, 0) > 50, Value: rsi1h, Target: ">50"})
	condShort = append(condShort, Condition{Label: "1h RSI 空头", OK: derefOr(rsi1h, 0) < 50, Value: rsi1h, Target: "<50"})
	condLong = append(condLong, Condition{Label: "ATR 止损可用", OK: atr15 != nil, Value: atr15})
	condShort = append(condShort, Condition{Label: "ATR 止损可用", OK: atr15 != nil, Value: atr15})

	return ConditionSet{Long: condLong, Short: condShort}
}

func (s *MaCrossStrategy) OnStateRestore(ctx *Context) {}

func (s *MaCrossStrategy) OnBarClose(ctx *Context) Decision {
	ema20 := ctx.Ind("ema20_15m")
	ema60 := ctx.Ind("ema60_15m")
	rsi1h := ctx.Ind("rsi14_1h")
	atr15 := ctx.Ind("atr14_15m")
	atrMult := ParamFloat(ctx.Params, "atr_stop_mult", 1.2)

	// exit on trend flip
	if ctx.Position != nil {
		if ctx.Position.Side == SideLong && derefOr(ema20, 0) < derefOr(ema60, 0) {
			return &ExitAction{Action: ActionCloseAll, Price: ctx.Close15m, Reason: "trend_flip"}
		}
		if ctx.Position.Side == SideShort && derefOr(ema20, 0) > derefOr(ema60, 0) {
			return &ExitAction{Action: ActionCloseAll, Price: ctx.Close15m, Reason: "trend_flip"}
		}
		return nil
	}

	if ctx.CooldownBarsRemaining > 0 {
		return nil
	}

	if ema20 == nil || ema60 == nil || rsi1h == nil || atr15 == nil {
		return nil
	}

	if *ema20 > *ema60 && *rsi1h > 50 {
		entry := ctx.Close15m
		stop := chooseStopLong(entry, *atr15, ctx.StructureStop, atrMult)
		tp1, tp2 := calcTargets(entry, stop)
		return &EntrySignal{
			Side:       SideLong,
			EntryPrice: entry,
			StopPrice:  stop,
			TP1Price:   tp1,
			TP2Price:   tp2,
			Reason:     "ma_long",
		}
	}

	if *ema20 < *ema60 && *rsi1h < 50 {
		entry := ctx.Close15m
		stop := chooseStopShort(entry, *atr15, ctx.StructureStop, atrMult)
		tp1, tp2 := calcTargets(entry, stop)
		return &EntrySignal{
			Side:       SideShort,
			EntryPrice: entry,
			StopPrice:  stop,
			TP1Price:   tp1,
			TP2Price:   tp2,
			Reason:     "ma_short",
		}
	}

	return nil
}

// OnTick never acts; the runtime's shared stop/target ladder covers
// intra-bar protection for this strategy.
func (s *MaCrossStrategy) OnTick(ctx *Context, price float64) Decision { return nil }
