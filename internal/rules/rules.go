// Package rules implements the correlation rule engine.
//
// A rule fires when the window buffer holds a subset of mono events that
// covers the rule's required types, reaches its minimum size, and spans no
// more than its window. Selection is deterministic so that replays after a
// crash converge on the same choice.
package rules

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/fault"
)

// Rule is a correlation rule. RequiredTypes keeps declaration order; the
// emitted source_events list starts with one pick per required type in that
// order.
type Rule struct {
	Name          string
	Window        time.Duration
	RequiredTypes []event.Type
	MinEvents     int
}

// Validate checks the rule's range constraints at construction time.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fault.New(fault.Config, "rule: empty name")
	}
	if r.Window < 100*time.Millisecond || r.Window > 60*time.Second {
		return fault.New(fault.Config, "rule %s: window %s out of [100ms, 60s]", r.Name, r.Window)
	}
	if len(r.RequiredTypes) == 0 {
		return fault.New(fault.Config, "rule %s: no required event types", r.Name)
	}
	seen := map[event.Type]bool{}
	for _, t := range r.RequiredTypes {
		if t == "" || t == event.TypeMulti {
			return fault.New(fault.Config, "rule %s: invalid required type %q", r.Name, t)
		}
		if seen[t] {
			return fault.New(fault.Config, "rule %s: duplicate required type %q", r.Name, t)
		}
		seen[t] = true
	}
	if r.MinEvents < 2 || r.MinEvents > 10 {
		return fault.New(fault.Config, "rule %s: min_events %d out of [2, 10]", r.Name, r.MinEvents)
	}
	return nil
}

// Defaults returns the stock rule set: A+B pairing and A+B+C convergence,
// both at the given window.
func Defaults(window time.Duration) []Rule {
	return []Rule{
		{
			Name:          "type_A_and_B_within_window",
			Window:        window,
			RequiredTypes: []event.Type{event.TypeA, event.TypeB},
			MinEvents:     2,
		},
		{
			Name:          "type_A_B_C_convergence",
			Window:        window,
			RequiredTypes: []event.Type{event.TypeA, event.TypeB, event.TypeC},
			MinEvents:     3,
		},
	}
}

// buffer is the read surface the engine needs from the window buffer.
type buffer interface {
	Recent(window time.Duration) []event.Mono
}

// Engine evaluates a fixed rule set against a window buffer and tracks the
// last emission per rule so the same selection never fires twice in a row.
type Engine struct {
	rules        []Rule
	lastEmission map[string]string // rule name → canonical id-set key
	now          func() time.Time
}

// NewEngine validates the rule set and builds an engine. Rule names must be
// unique.
func NewEngine(rs []Rule) (*Engine, error) {
	names := map[string]bool{}
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if names[r.Name] {
			return nil, fault.New(fault.Config, "duplicate rule name %q", r.Name)
		}
		names[r.Name] = true
	}
	return &Engine{
		rules:        rs,
		lastEmission: make(map[string]string),
		now:          time.Now,
	}, nil
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Rules returns the configured rule set.
func (e *Engine) Rules() []Rule { return e.rules }

// MaxWindow returns the largest window across the rule set; the window
// buffer uses it as its prune horizon.
func (e *Engine) MaxWindow() time.Duration {
	var max time.Duration
	for _, r := range e.rules {
		if r.Window > max {
			max = r.Window
		}
	}
	return max
}

// EvaluateAll runs every rule once against the buffer and returns the
// emissions, at most one per rule.
func (e *Engine) EvaluateAll(buf buffer) []event.Multi {
	var out []event.Multi
	for _, r := range e.rules {
		if m, ok := e.Evaluate(r, buf); ok {
			out = append(out, m)
		}
	}
	return out
}

// Evaluate checks one rule and emits at most one multi event.
func (e *Engine) Evaluate(r Rule, buf buffer) (event.Multi, bool) {
	selected, ok := Select(r, buf.Recent(r.Window))
	if !ok {
		return event.Multi{}, false
	}

	key := selectionKey(selected)
	if e.lastEmission[r.Name] == key {
		return event.Multi{}, false
	}
	e.lastEmission[r.Name] = key

	return e.integrate(r, selected), true
}

// Select applies the deterministic selection policy to the in-window
// candidates: newest event per required type, extended with the newest
// remaining required-type events until the rule's minimum size is met.
// Returns false when no covering selection exists.
func Select(r Rule, inWindow []event.Mono) ([]event.Mono, bool) {
	required := make(map[event.Type]bool, len(r.RequiredTypes))
	for _, t := range r.RequiredTypes {
		required[t] = true
	}

	var candidates []event.Mono
	for _, e := range inWindow {
		if required[e.Type] {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) < r.MinEvents {
		return nil, false
	}

	// Newest first; identical timestamps break on the larger id.
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].Timestamp.After(candidates[j].Timestamp)
		}
		return candidates[i].ID.String() > candidates[j].ID.String()
	})

	chosen := make(map[uuid.UUID]bool)
	var selected []event.Mono

	// One representative per required type, in declaration order.
	for _, t := range r.RequiredTypes {
		found := false
		for _, c := range candidates {
			if c.Type == t {
				selected = append(selected, c)
				chosen[c.ID] = true
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}

	// Top up with the newest unchosen candidates.
	for _, c := range candidates {
		if len(selected) >= r.MinEvents {
			break
		}
		if !chosen[c.ID] {
			selected = append(selected, c)
			chosen[c.ID] = true
		}
	}
	if len(selected) < r.MinEvents {
		return nil, false
	}

	// The selection must itself fit inside the rule window.
	minTS, maxTS := selected[0].Timestamp, selected[0].Timestamp
	for _, s := range selected[1:] {
		if s.Timestamp.Before(minTS) {
			minTS = s.Timestamp
		}
		if s.Timestamp.After(maxTS) {
			maxTS = s.Timestamp
		}
	}
	if maxTS.Sub(minTS) > r.Window {
		return nil, false
	}
	return selected, true
}

// integrate builds the multi event from a selection: mean value, size-scaled
// confidence capped at 1, and newest-wins lineage per source stream.
func (e *Engine) integrate(r Rule, selected []event.Mono) event.Multi {
	sum := 0.0
	ids := make([]uuid.UUID, len(selected))
	lineage := make(map[string]event.LineageEntry)
	for i, s := range selected {
		sum += s.Value
		ids[i] = s.ID
		prev, ok := lineage[s.SourceStream]
		if !ok || s.Timestamp.After(prev.Timestamp) {
			lineage[s.SourceStream] = event.LineageEntry{
				EventID:   s.ID,
				Timestamp: s.Timestamp,
				Value:     s.Value,
			}
		}
	}

	confidence := float64(len(selected)) / 3.0
	if confidence > 1.0 {
		confidence = 1.0
	}

	return event.Multi{
		ID:              uuid.New(),
		Timestamp:       e.now(),
		Type:            event.TypeMulti,
		SourceEvents:    ids,
		CorrelationRule: r.Name,
		IntegratedValue: sum / float64(len(selected)),
		Confidence:      confidence,
		Lineage:         lineage,
	}
}

// selectionKey canonicalizes a selection as a sorted id list, so dedup
// compares sets rather than orderings.
func selectionKey(selected []event.Mono) string {
	ids := make([]string, len(selected))
	for i, s := range selected {
		ids[i] = s.ID.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
