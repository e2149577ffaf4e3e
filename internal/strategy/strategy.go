package strategy

import (
	"binance-sim-trader/internal/indicators"
)

// Side and exit action constants shared with the execution layer.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"

	ActionStop     = "STOP"
	ActionTP1      = "TP1"
	ActionTP2      = "TP2"
	ActionCloseAll = "CLOSE_ALL"
)

// Position is the execution-layer view a strategy sees of its own open
// position. It is a snapshot; mutating it has no effect.
type Position struct {
	Side       string
	EntryPrice float64
	Qty        float64
	StopPrice  float64
	TP1Price   float64
	TP2Price   float64
	TP1Hit     bool
}

// Context carries everything one strategy call may read. It is built per
// strategy per event and never shared, so strategies can treat it as owned.
// Indicators map spec names to current values (nil while warming up);
// History maps spec names to recent values, newest last, with the current
// value as the final element.
type Context struct {
	Timestamp int64
	Interval  string
	Price     float64
	Close15m  float64
	Low15m    float64
	High15m   float64

	Indicators map[string]*float64
	History    map[string][]float64

	StructureStop *float64

	Position              *Position
	CooldownBarsRemaining int

	// Params is the merged strategy parameter block from the profile.
	Params map[string]any
}

// Ind returns the named indicator value, nil when absent or not warm.
func (c *Context) Ind(name string) *float64 {
	if c.Indicators == nil {
		return nil
	}
	return c.Indicators[name]
}

// IndOr returns the named indicator value or def when unavailable.
func (c *Context) IndOr(name string, def float64) float64 {
	if v := c.Ind(name); v != nil {
		return *v
	}
	return def
}

// Prev returns the indicator value k bars before the current one (Prev(n, 1)
// is the previous closed bar). Returns nil when the history window is too
// short.
func (c *Context) Prev(name string, k int) *float64 {
	if c.History == nil || k < 1 {
		return nil
	}
	h := c.History[name]
	idx := len(h) - 1 - k
	if idx < 0 {
		return nil
	}
	v := h[idx]
	return &v
}

// PrevOr is Prev with a fallback value.
func (c *Context) PrevOr(name string, k int, def float64) float64 {
	if v := c.Prev(name, k); v != nil {
		return *v
	}
	return def
}

// EntrySignal asks the execution layer to open a position.
type EntrySignal struct {
	Side       string
	EntryPrice float64
	StopPrice  float64
	TP1Price   float64
	TP2Price   float64
	Reason     string
}

// ExitAction asks the execution layer to reduce or close the open position.
type ExitAction struct {
	Action string
	Price  float64
	Reason string
}

// Decision is what a strategy call returns: a *EntrySignal, a *ExitAction,
// or nil for no action.
type Decision interface{ isDecision() }

func (*EntrySignal) isDecision() {}
func (*ExitAction) isDecision()  {}

// Condition is one row of the live entry-condition display.
type Condition struct {
	Label     string   `json:"label"`
	OK        bool     `json:"ok"`
	Value     *float64 `json:"value,omitempty"`
	Target    string   `json:"target,omitempty"`
	Info      string   `json:"info,omitempty"`
	Slope     *float64 `json:"slope,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
	Desc      string   `json:"desc,omitempty"`
}

// ConditionSet groups condition rows by intended side.
type ConditionSet struct {
	Long  []Condition `json:"long"`
	Short []Condition `json:"short"`
}

// WarmupPolicy scales a strategy's raw indicator requirement into the number
// of historical bars loaded at startup.
type WarmupPolicy struct {
	BufferMult float64
	Extra      int
}

// Strategy is the pluggable decision unit. Implementations are stateless
// between calls apart from what Configure installs; all market and position
// state arrives through the Context.
type Strategy interface {
	// ID is the registered type tag, not the per-instance id.
	ID() string
	Configure(profile *Profile)
	IndicatorRequirements() []indicators.Spec
	// WarmupPolicies maps interval to the bar-loading policy for it. Only
	// intervals the strategy needs appear.
	WarmupPolicies() map[string]WarmupPolicy
	DescribeConditions(ctx *Context, ind1hReady, hasPosition bool, cooldownBars int) ConditionSet
	OnBarClose(ctx *Context) Decision
	OnTick(ctx *Context, price float64) Decision
	OnStateRestore(ctx *Context)
}

// ---------------------------------------------------------------------------
// Parameter access. Merged profiles come out of YAML and JSON decoding, so
// numbers may arrive as int, int64, or float64.

func ParamFloat(params map[string]any, key string, def float64) float64 {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

func ParamInt(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return def
}

func ParamBool(params map[string]any, key string, def bool) bool {
	if params == nil {
		return def
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

// section returns a nested map parameter block, nil when absent.
func section(params map[string]any, key string) map[string]any {
	if params == nil {
		return nil
	}
	if m, ok := params[key].(map[string]any); ok {
		return m
	}
	return nil
}
