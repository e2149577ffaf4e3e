package indicators

import (
	"fmt"

	"binance-sim-trader/internal/binance"
)

type engineEntry struct {
	strategyID string
	spec       Spec
}

// Engine owns every registered spec, keyed by (strategy, spec name) so two
// strategies never share indicator state even when their spec names collide.
// Traversal is insertion-ordered, which keeps results deterministic across
// runs. The engine does not buffer bars; the caller delivers each closed bar
// exactly once.
type Engine struct {
	entries []engineEntry
	index   map[string]struct{}
}

func NewEngine() *Engine {
	return &Engine{index: make(map[string]struct{})}
}

// Register binds a strategy's spec list. Duplicate (strategy, name) pairs are
// a wiring bug and rejected.
func (e *Engine) Register(strategyID string, specs []Spec) error {
	for _, spec := range specs {
		key := strategyID + "\x00" + spec.Name()
		if _, dup := e.index[key]; dup {
			return fmt.Errorf("duplicate indicator spec %q for strategy %q", spec.Name(), strategyID)
		}
		e.index[key] = struct{}{}
		e.entries = append(e.entries, engineEntry{strategyID: strategyID, spec: spec})
	}
	return nil
}

// UpdateOnClose commits a closed bar into every spec on the bar's interval
// and returns {strategy → {name → Result}}.
func (e *Engine) UpdateOnClose(interval string, bar binance.Bar) map[string]map[string]Result {
	return e.run(interval, bar, true)
}

// Preview computes what UpdateOnClose would return for the bar without
// mutating any spec state.
func (e *Engine) Preview(interval string, bar binance.Bar) map[string]map[string]Result {
	return e.run(interval, bar, false)
}

func (e *Engine) run(interval string, bar binance.Bar, commit bool) map[string]map[string]Result {
	out := make(map[string]map[string]Result)
	for _, entry := range e.entries {
		if entry.spec.Interval() != interval {
			continue
		}
		var res Result
		if commit {
			res = entry.spec.Update(bar)
		} else {
			res = entry.spec.Preview(bar)
		}
		byName := out[entry.strategyID]
		if byName == nil {
			byName = make(map[string]Result)
			out[entry.strategyID] = byName
		}
		byName[res.Name] = res
	}
	return out
}

// Strategies returns registered strategy ids in first-registration order.
func (e *Engine) Strategies() []string {
	var out []string
	seen := make(map[string]bool)
	for _, entry := range e.entries {
		if !seen[entry.strategyID] {
			seen[entry.strategyID] = true
			out = append(out, entry.strategyID)
		}
	}
	return out
}
