package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const eventRingCap = 500

// StatusStore holds the flattened live status published by the portfolio
// service and serves it back in the nested wire shape.
type StatusStore struct {
	mu     sync.Mutex
	fields map[string]any
	ts     int64
}

func NewStatusStore() *StatusStore {
	return &StatusStore{fields: make(map[string]any)}
}

// Update merges one status fragment. Implements the portfolio status sink.
func (s *StatusStore) Update(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.fields[k] = v
	}
	s.ts = time.Now().UnixMilli()
}

// Get returns the status payload: account figures at the top level, the
// position folded into a sub-object.
func (s *StatusStore) Get() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := func(k string) any {
		if v, ok := s.fields[k]; ok {
			return v
		}
		return nil
	}
	num := func(k string) any {
		if v, ok := s.fields[k]; ok && v != nil {
			return v
		}
		return 0.0
	}
	cooldown := any(0)
	if v, ok := s.fields["cooldown_bars"]; ok && v != nil {
		cooldown = v
	}
	return map[string]any{
		"timestamp":   s.ts,
		"balance":     num("balance"),
		"equity":      num("equity"),
		"upl":         num("upl"),
		"margin_used": num("margin_used"),
		"free_margin": num("free_margin"),
		"liq_price":   pick("liq_price"),
		"position": map[string]any{
			"side":        pick("position_side"),
			"qty":         pick("position_qty"),
			"entry_price": pick("entry_price"),
			"stop_price":  pick("stop_price"),
			"tp1_price":   pick("tp1_price"),
			"tp2_price":   pick("tp2_price"),
		},
		"cooldown_bars": cooldown,
	}
}

// StreamStore holds the push snapshot and a bounded ring of discrete events.
// Snapshot fragments merge key by key; the per-strategy conditions block
// merges one level deeper so strategies update independently.
type StreamStore struct {
	mu       sync.Mutex
	snapshot map[string]any
	events   []map[string]any
	ts       int64
}

func NewStreamStore() *StreamStore {
	return &StreamStore{snapshot: make(map[string]any)}
}

// UpdateSnapshot merges one snapshot fragment.
func (s *StreamStore) UpdateSnapshot(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		if k == "conditions" {
			s.mergeConditionsLocked(v)
			continue
		}
		s.snapshot[k] = v
	}
	s.ts = time.Now().UnixMilli()
}

func (s *StreamStore) mergeConditionsLocked(v any) {
	incoming, ok := v.(map[string]any)
	if !ok {
		return
	}
	existing, ok := s.snapshot["conditions"].(map[string]any)
	if !ok {
		existing = make(map[string]any)
		s.snapshot["conditions"] = existing
	}
	for sid, cs := range incoming {
		existing[sid] = cs
	}
}

// AddEvent appends one event, evicting the oldest past the ring capacity.
// Events get a unique id so clients can dedup across socket reconnects.
func (s *StreamStore) AddEvent(event map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := event["id"]; !ok {
		event["id"] = uuid.NewString()
	}
	s.events = append(s.events, event)
	if len(s.events) > eventRingCap {
		s.events = s.events[len(s.events)-eventRingCap:]
	}
}

// Events returns the newest limit events, oldest first, optionally filtered
// to one strategy.
func (s *StreamStore) Events(limit int, sid string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	out := make([]map[string]any, 0, limit)
	for _, e := range s.events {
		if sid != "" && e["sid"] != sid {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Conditions returns the merged per-strategy condition block.
func (s *StreamStore) Conditions() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	if conds, ok := s.snapshot["conditions"].(map[string]any); ok {
		for sid, cs := range conds {
			out[sid] = cs
		}
	}
	return out
}

// Payload builds the push payload with the compact wire keys. sid narrows
// conditions and events to one strategy; empty means everything.
func (s *StreamStore) Payload(eventLimit int, sid string) map[string]any {
	s.mu.Lock()
	conds := any(nil)
	if all, ok := s.snapshot["conditions"].(map[string]any); ok {
		if sid != "" {
			if cs, ok := all[sid]; ok {
				conds = map[string]any{sid: cs}
			}
		} else {
			conds = all
		}
	}
	payload := map[string]any{
		"ts":   s.ts,
		"k":    s.snapshot["kline_15m"],
		"k1":   s.snapshot["kline_1h"],
		"i15":  s.snapshot["indicators_15m"],
		"i1":   s.snapshot["indicators_1h"],
		"sig":  s.snapshot["last_signal"],
		"cond": conds,
	}
	s.mu.Unlock()
	payload["ev"] = s.Events(eventLimit, sid)
	return payload
}

// ResetStrategy drops one strategy's conditions and events after an account
// reset.
func (s *StreamStore) ResetStrategy(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conds, ok := s.snapshot["conditions"].(map[string]any); ok {
		delete(conds, sid)
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if e["sid"] != sid {
			kept = append(kept, e)
		}
	}
	s.events = kept
}
