package strategy

import (
	"fmt"

	"binance-sim-trader/internal/binance"
	"binance-sim-trader/internal/indicators"
)

// RsiOvertradeStrategy is a 15m RSI mean-reversion strategy: oversold opens
// a long, overbought a short, with a percentage stop and a single
// risk/reward-scaled target (TP1 and TP2 coincide).
type RsiOvertradeStrategy struct {
	profile *Profile
}

func (s *RsiOvertradeStrategy) ID() string { return "simple_rsi_overtrade_strategy" }

func (s *RsiOvertradeStrategy) Configure(profile *Profile) { s.profile = profile }

func (s *RsiOvertradeStrategy) IndicatorRequirements() []indicators.Spec {
	var blocks map[string]map[string]any
	if s.profile != nil {
		blocks = s.profile.Indicators
	}
	rsiLen := indicatorLength(blocks, "rsi", "length", 14)
	return []indicators.Spec{
		indicators.NewRSI("rsi14_15m", binance.Interval15m, rsiLen),
	}
}

func (s *RsiOvertradeStrategy) WarmupPolicies() map[string]WarmupPolicy {
	return map[string]WarmupPolicy{
		binance.Interval15m: warmupPolicyFromProfile(s.profile),
	}
}

func (s *RsiOvertradeStrategy) DescribeConditions(ctx *Context, ind1hReady, hasPosition bool, cooldownBars int) ConditionSet {
	item := func(direction string, ok bool, desc string) Condition {
		return Condition{
			Direction: direction,
			Timeframe: binance.Interval15m,
			OK:        ok,
			Desc:      desc,
			Label:     "[15m]" + desc,
		}
	}

	if hasPosition {
		return ConditionSet{
			Long:  []Condition{item(SideLong, false, "已有持仓")},
			Short: []Condition{item(SideShort, false, "已有持仓")},
		}
	}
	if cooldownBars > 0 {
		desc := fmt.Sprintf("冷却中(%d)", cooldownBars)
		return ConditionSet{
			Long:  []Condition{item(SideLong, false, desc)},
			Short: []Condition{item(SideShort, false, desc)},
		}
	}

	rsiLow := ParamFloat(ctx.Params, "rsi_low", 30)
	rsiHigh := ParamFloat(ctx.Params, "rsi_high", 70)
	rsi := ctx.Ind("rsi14_15m")
	if rsi == nil {
		return ConditionSet{
			Long:  []Condition{item(SideLong, false, "RSI未就绪")},
			Short: []Condition{item(SideShort, false, "RSI未就绪")},
		}
	}
	return ConditionSet{
		Long:  []Condition{item(SideLong, *rsi < rsiLow, fmt.Sprintf("RSI(%.2f) < %g", *rsi, rsiLow))},
		Short: []Condition{item(SideShort, *rsi > rsiHigh, fmt.Sprintf("RSI(%.2f) > %g", *rsi, rsiHigh))},
	}
}

func (s *RsiOvertradeStrategy) OnStateRestore(ctx *Context) {}

func (s *RsiOvertradeStrategy) OnBarClose(ctx *Context) Decision {
	if ctx.Position != nil {
		return s.checkExit(ctx, ctx.Close15m)
	}
	if ctx.CooldownBarsRemaining > 0 {
		return nil
	}
	return s.checkEntry(ctx, ctx.Close15m)
}

func (s *RsiOvertradeStrategy) OnTick(ctx *Context, price float64) Decision {
	if ctx.Position == nil {
		return nil
	}
	return s.checkExit(ctx, price)
}

func (s *RsiOvertradeStrategy) checkEntry(ctx *Context, price float64) Decision {
	rsiLow := ParamFloat(ctx.Params, "rsi_low", 30)
	rsiHigh := ParamFloat(ctx.Params, "rsi_high", 70)
	stopLossPct := ParamFloat(ctx.Params, "stop_loss_pct", 0.01)
	rr := ParamFloat(ctx.Params, "rr", 1.5)
	rsi := ctx.Ind("rsi14_15m")
	if rsi == nil {
		return nil
	}

	if *rsi < rsiLow {
		stop := price * (1 - stopLossPct)
		tp := price + (price-stop)*rr
		return &EntrySignal{
			Side:       SideLong,
			EntryPrice: price,
			StopPrice:  stop,
			TP1Price:   tp,
			TP2Price:   tp,
			Reason:     "rsi_long",
		}
	}
	if *rsi > rsiHigh {
		stop := price * (1 + stopLossPct)
		tp := price - (stop-price)*rr
		return &EntrySignal{
			Side:       SideShort,
			EntryPrice: price,
			StopPrice:  stop,
			TP1Price:   tp,
			TP2Price:   tp,
			Reason:     "rsi_short",
		}
	}
	return nil
}

// checkExit jumps straight to the full-close target: TP1 equals TP2 here, so
// the ladder's half-close step never applies.
func (s *RsiOvertradeStrategy) checkExit(ctx *Context, price float64) Decision {
	pos := ctx.Position
	if pos == nil {
		return nil
	}
	if pos.Side == SideLong {
		if price <= pos.StopPrice {
			return &ExitAction{Action: ActionStop, Price: pos.StopPrice, Reason: "stop"}
		}
		if price >= pos.TP2Price {
			return &ExitAction{Action: ActionTP2, Price: pos.TP2Price, Reason: "tp2"}
		}
		return nil
	}
	if price >= pos.StopPrice {
		return &ExitAction{Action: ActionStop, Price: pos.StopPrice, Reason: "stop"}
	}
	if price <= pos.TP2Price {
		return &ExitAction{Action: ActionTP2, Price: pos.TP2Price, Reason: "tp2"}
	}
	return nil
}
