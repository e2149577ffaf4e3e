package strategy

import (
	"fmt"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/indicators"
)

func macdHistIncreasing(prev2, prev1, curr float64) bool { return prev2 < prev1 && prev1 < curr }
func macdHistDecreasing(prev2, prev1, curr float64) bool { return prev2 > prev1 && prev1 > curr }

// chooseStopLong picks the more conservative of the ATR stop and the
// structure stop below a long entry.
func chooseStopLong(entry, atr float64, structureStop *float64, atrMult float64) float64 {
	atrStop := entry - atrMult*atr
	if structureStop == nil {
		return atrStop
	}
	if *structureStop < atrStop {
		return *structureStop
	}
	return atrStop
}

func chooseStopShort(entry, atr float64, structureStop *float64, atrMult float64) float64 {
	atrStop := entry + atrMult*atr
	if structureStop == nil {
		return atrStop
	}
	if *structureStop > atrStop {
		return *structureStop
	}
	return atrStop
}

// calcTargets derives the 1R and 2R targets on the profit side of the entry.
func calcTargets(entry, stop float64) (tp1, tp2 float64) {
	r := entry - stop
	if r < 0 {
		r = -r
	}
	if entry > stop {
		return entry + r, entry + 2*r
	}
	return entry - r, entry - 2*r
}

// indicatorLength reads a length-style field from one indicator config block.
func indicatorLength(blocks map[string]map[string]any, block, key string, def int) int {
	if blocks == nil {
		return def
	}
	return ParamInt(blocks[block], key, def)
}

// TestStrategy is the dual-timeframe trend-follow strategy: a 1h direction
// and strength filter gates 15m pullback entries confirmed by an RSI band
// and a monotone MACD histogram.
type TestStrategy struct {
	profile *Profile
}

func (s *TestStrategy) ID() string { return "test" }

func (s *TestStrategy) Configure(profile *Profile) { s.profile = profile }

func (s *TestStrategy) IndicatorRequirements() []indicators.Spec {
	var blocks map[string]map[string]any
	if s.profile != nil {
		blocks = s.profile.Indicators
	}
	emaFast := indicatorLength(blocks, "ema_fast", "length", 20)
	emaSlow := indicatorLength(blocks, "ema_slow", "length", 60)
	trendFast := indicatorLength(blocks, "ema_trend", "fast", 20)
	trendSlow := indicatorLength(blocks, "ema_trend", "slow", 60)
	rsiLen := indicatorLength(blocks, "rsi", "length", 14)
	macdFast := indicatorLength(blocks, "macd", "fast", 12)
	macdSlow := indicatorLength(blocks, "macd", "slow", 26)
	macdSignal := indicatorLength(blocks, "macd", "signal", 9)
	atrLen := indicatorLength(blocks, "atr", "length", 14)

	return []indicators.Spec{
		indicators.NewEMA("ema20_15m", binance.Interval15m, emaFast),
		indicators.NewEMA("ema60_15m", binance.Interval15m, emaSlow),
		indicators.NewRSI("rsi14_15m", binance.Interval15m, rsiLen),
		indicators.NewMACD("macd_hist_15m", binance.Interval15m, macdFast, macdSlow, macdSignal),
		indicators.NewATR("atr14_15m", binance.Interval15m, atrLen),
		indicators.NewEMA("ema20_1h", binance.Interval1h, trendFast),
		indicators.NewEMA("ema60_1h", binance.Interval1h, trendSlow),
		indicators.NewRSI("rsi14_1h", binance.Interval1h, rsiLen),
	}
}

func (s *TestStrategy) WarmupPolicies() map[string]WarmupPolicy {
	policy := warmupPolicyFromProfile(s.profile)
	return map[string]WarmupPolicy{
		binance.Interval15m: policy,
		binance.Interval1h:  policy,
	}
}

func warmupPolicyFromProfile(p *Profile) WarmupPolicy {
	policy := WarmupPolicy{BufferMult: 3.0, Extra: 200}
	if p != nil {
		if p.KlineCache.WarmupBufferMult > 0 {
			policy.BufferMult = p.KlineCache.WarmupBufferMult
		}
		if p.KlineCache.WarmupExtraBars > 0 {
			policy.Extra = p.KlineCache.WarmupExtraBars
		}
	}
	return policy
}

func (s *TestStrategy) DescribeConditions(ctx *Context, ind1hReady, hasPosition bool, cooldownBars int) ConditionSet {
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

	close1h := ctx.IndOr("close_1h", 0)
	ema20_1h := ctx.IndOr("ema20_1h", 0)
	ema60_1h := ctx.IndOr("ema60_1h", 0)
	rsi1h := ctx.IndOr("rsi14_1h", 0)

	rsiCurr := ctx.Ind("rsi14_15m")
	rsiPrev := ctx.Prev("rsi14_15m", 1)
	macdCurr := ctx.Ind("macd_hist_15m")
	macdPrev1 := ctx.PrevOr("macd_hist_15m", 1, 0)
	macdPrev2 := ctx.PrevOr("macd_hist_15m", 2, 0)
	ema20 := ctx.Ind("ema20_15m")
	ema60 := ctx.Ind("ema60_15m")

	params := ctx.Params
	trendStrengthMin := ParamFloat(params, "trend_strength_min", 0)
	rsiLongLower := ParamFloat(params, "rsi_long_lower", 50)
	rsiLongUpper := ParamFloat(params, "rsi_long_upper", 60)
	rsiShortUpper := ParamFloat(params, "rsi_short_upper", 50)
	rsiShortLower := ParamFloat(params, "rsi_short_lower", 40)
	rsiSlopeRequired := ParamBool(params, "rsi_slope_required", false)

	var condLong, condShort []Condition

	dirInfo := fmt.Sprintf("close:%.2f, ema60:%.2f, ema20:%.2f, rsi:%.2f", close1h, ema60_1h, ema20_1h, rsi1h)
	longDir := close1h > ema60_1h && ema20_1h > ema60_1h && rsi1h > 50
	shortDir := close1h < ema60_1h && ema20_1h < ema60_1h && rsi1h < 50
	condLong = append(condLong, Condition{Label: "1h方向过滤", OK: longDir, Info: dirInfo})
	condShort = append(condShort, Condition{Label: "1h方向过滤", OK: shortDir, Info: dirInfo})

	denom := close1h
	if denom == 0 {
		denom = 1
	}
	strength := (ema20_1h - ema60_1h) / denom
	if strength < 0 {
		strength = -strength
	}
	strengthOK := strength >= trendStrengthMin
	strengthCond := Condition{
		Label:  "1h趋势强度",
		OK:     strengthOK,
		Value:  &strength,
		Target: fmt.Sprintf(">=%.4f", trendStrengthMin),
	}
	condLong = append(condLong, strengthCond)
	condShort = append(condShort, strengthCond)

	priceLong := ctx.Low15m <= ctx.IndOr("ema20_15m", ctx.Low15m) && ctx.Close15m > ctx.IndOr("ema60_15m", ctx.Close15m)
	priceShort := ctx.High15m >= ctx.IndOr("ema20_15m", ctx.High15m) && ctx.Close15m < ctx.IndOr("ema60_15m", ctx.Close15m)
	condLong = append(condLong, Condition{
		Label: "15m价位条件", OK: priceLong,
		Info: fmt.Sprintf("low:%.2f, ema20:%.2f, close:%.2f, ema60:%.2f", ctx.Low15m, derefOr(ema20, 0), ctx.Close15m, derefOr(ema60, 0)),
	})
	condShort = append(condShort, Condition{
		Label: "15m价位条件", OK: priceShort,
		Info: fmt.Sprintf("high:%.2f, ema20:%.2f, close:%.2f, ema60:%.2f", ctx.High15m, derefOr(ema20, 0), ctx.Close15m, derefOr(ema60, 0)),
	})

	rsiSlopeUp := rsiPrev != nil && rsiCurr != nil && *rsiCurr > *rsiPrev
	rsiSlopeDown := rsiPrev != nil && rsiCurr != nil && *rsiCurr < *rsiPrev
	rsiBandLong := rsiCurr != nil && rsiLongLower <= *rsiCurr && *rsiCurr <= rsiLongUpper
	rsiBandShort := rsiCurr != nil && rsiShortLower <= *rsiCurr && *rsiCurr <= rsiShortUpper
	slope := derefOr(rsiCurr, 0) - derefOr(rsiPrev, 0)
	condLong = append(condLong, Condition{
		Label: "RSI区间/斜率(多)", OK: rsiBandLong && (!rsiSlopeRequired || rsiSlopeUp),
		Value: rsiCurr, Target: fmt.Sprintf("%g-%g", rsiLongLower, rsiLongUpper), Slope: &slope,
	})
	condShort = append(condShort, Condition{
		Label: "RSI区间/斜率(空)", OK: rsiBandShort && (!rsiSlopeRequired || rsiSlopeDown),
		Value: rsiCurr, Target: fmt.Sprintf("%g-%g", rsiShortLower, rsiShortUpper), Slope: &slope,
	})

	macdInfo := fmt.Sprintf("prev2:%.3f, prev1:%.3f", macdPrev2, macdPrev1)
	condLong = append(condLong, Condition{
		Label: "MACD柱连续上升", OK: macdHistIncreasing(macdPrev2, macdPrev1, derefOr(macdCurr, 0)),
		Value: macdCurr, Info: macdInfo,
	})
	condShort = append(condShort, Condition{
		Label: "MACD柱连续下降", OK: macdHistDecreasing(macdPrev2, macdPrev1, derefOr(macdCurr, 0)),
		Value: macdCurr, Info: macdInfo,
	})

	return ConditionSet{Long: condLong, Short: condShort}
}

func (s *TestStrategy) OnStateRestore(ctx *Context) {}

func (s *TestStrategy) OnBarClose(ctx *Context) Decision {
	// trend-failure exit on close while positioned
	if ctx.Position != nil {
		ema20 := ctx.Ind("ema20_15m")
		rsi := ctx.Ind("rsi14_15m")
		if ema20 != nil && rsi != nil {
			if ctx.Position.Side == SideLong && ctx.Close15m < *ema20 && *rsi < 50 {
				return &ExitAction{Action: ActionCloseAll, Price: ctx.Close15m, Reason: "trend_fail"}
			}
			if ctx.Position.Side == SideShort && ctx.Close15m > *ema20 && *rsi > 50 {
				return &ExitAction{Action: ActionCloseAll, Price: ctx.Close15m, Reason: "trend_fail"}
			}
		}
		return nil
	}

	if ctx.CooldownBarsRemaining > 0 {
		return nil
	}

	params := ctx.Params
	trendStrengthMin := ParamFloat(params, "trend_strength_min", 0)
	rsiLongLower := ParamFloat(params, "rsi_long_lower", 50)
	rsiLongUpper := ParamFloat(params, "rsi_long_upper", 60)
	rsiShortUpper := ParamFloat(params, "rsi_short_upper", 50)
	rsiShortLower := ParamFloat(params, "rsi_short_lower", 40)
	rsiSlopeRequired := ParamBool(params, "rsi_slope_required", false)
	atrMult := ParamFloat(params, "atr_stop_mult", 1.5)

	close1h := ctx.IndOr("close_1h", 0)
	ema20_1h := ctx.IndOr("ema20_1h", 0)
	ema60_1h := ctx.IndOr("ema60_1h", 0)
	rsi1h := ctx.IndOr("rsi14_1h", 0)
	denom := close1h
	if denom == 0 {
		denom = 1
	}
	strength := (ema20_1h - ema60_1h) / denom
	if strength < 0 {
		strength = -strength
	}
	allowLong := close1h > ema60_1h && ema20_1h > ema60_1h && rsi1h > 50 && strength >= trendStrengthMin
	allowShort := close1h < ema60_1h && ema20_1h < ema60_1h && rsi1h < 50 && strength >= trendStrengthMin

	rsiCurr := ctx.Ind("rsi14_15m")
	rsiPrev := ctx.Prev("rsi14_15m", 1)
	macdCurr := ctx.IndOr("macd_hist_15m", 0)
	macdPrev1 := ctx.PrevOr("macd_hist_15m", 1, 0)
	macdPrev2 := ctx.PrevOr("macd_hist_15m", 2, 0)
	atr15 := ctx.Ind("atr14_15m")

	if allowLong {
		rsiOK := rsiCurr != nil && rsiLongLower <= *rsiCurr && *rsiCurr <= rsiLongUpper
		if rsiSlopeRequired && rsiCurr != nil && rsiPrev != nil {
			rsiOK = rsiOK && *rsiCurr > *rsiPrev
		}
		if ctx.Low15m <= ctx.IndOr("ema20_15m", ctx.Low15m) &&
			ctx.Close15m > ctx.IndOr("ema60_15m", ctx.Close15m) &&
			rsiOK &&
			macdHistIncreasing(macdPrev2, macdPrev1, macdCurr) &&
			atr15 != nil {
			entry := ctx.Close15m
			stop := chooseStopLong(entry, *atr15, ctx.StructureStop, atrMult)
			tp1, tp2 := calcTargets(entry, stop)
			return &EntrySignal{
				Side:       SideLong,
				EntryPrice: entry,
				StopPrice:  stop,
				TP1Price:   tp1,
				TP2Price:   tp2,
				Reason:     "signal_long",
			}
		}
	}

	if allowShort {
		rsiOK := rsiCurr != nil && rsiShortLower <= *rsiCurr && *rsiCurr <= rsiShortUpper
		if rsiSlopeRequired && rsiCurr != nil && rsiPrev != nil {
			rsiOK = rsiOK && *rsiCurr < *rsiPrev
		}
		if ctx.High15m >= ctx.IndOr("ema20_15m", ctx.High15m) &&
			ctx.Close15m < ctx.IndOr("ema60_15m", ctx.Close15m) &&
			rsiOK &&
			macdHistDecreasing(macdPrev2, macdPrev1, macdCurr) &&
			atr15 != nil {
			entry := ctx.Close15m
			stop := chooseStopShort(entry, *atr15, ctx.StructureStop, atrMult)
			tp1, tp2 := calcTargets(entry, stop)
			return &EntrySignal{
				Side:       SideShort,
				EntryPrice: entry,
				StopPrice:  stop,
				TP1Price:   tp1,
				TP2Price:   tp2,
				Reason:     "signal_short",
			}
		}
	}

	return nil
}

func (s *TestStrategy) OnTick(ctx *Context, price float64) Decision {
	return checkProtectiveExit(ctx.Position, price)
}

// checkProtectiveExit evaluates the shared stop / TP1 / TP2 ladder at a
// price, priced at the level rather than the trigger tick.
func checkProtectiveExit(pos *Position, price float64) Decision {
	if pos == nil {
		return nil
	}
	if pos.Side == SideLong {
		if price <= pos.StopPrice {
			return &ExitAction{Action: ActionStop, Price: pos.StopPrice, Reason: "stop"}
		}
		if !pos.TP1Hit && price >= pos.TP1Price {
			return &ExitAction{Action: ActionTP1, Price: pos.TP1Price, Reason: "tp1"}
		}
		if price >= pos.TP2Price {
			return &ExitAction{Action: ActionTP2, Price: pos.TP2Price, Reason: "tp2"}
		}
		return nil
	}
	if price >= pos.StopPrice {
		return &ExitAction{Action: ActionStop, Price: pos.StopPrice, Reason: "stop"}
	}
	if !pos.TP1Hit && price <= pos.TP1Price {
		return &ExitAction{Action: ActionTP1, Price: pos.TP1Price, Reason: "tp1"}
	}
	if price <= pos.TP2Price {
		return &ExitAction{Action: ActionTP2, Price: pos.TP2Price, Reason: "tp2"}
	}
	return nil
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
