// Package correlate evaluates correlation rules over windows of normalized
// events and synthesizes unified threats: filter by source type, AND
// conditions, sequential aggregations with having, threat scoring, and
// deduplication. Threats sharing a dedup key merge within one invocation and
// keep the key, so the action layer can merge re-detections of a persistent
// condition into the stored threat instead of inserting a duplicate.
package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// EventSource serves the event window the engine evaluates. Satisfied by the
// buffer cache.
type EventSource interface {
	Window(ctx context.Context, start, end time.Time) ([]*model.NormalizedEvent, error)
}

// Dispatcher executes a matched rule's actions for a threat. Failures are the
// dispatcher's to log; a tick never aborts on them.
type Dispatcher interface {
	Dispatch(ctx context.Context, rule *model.CorrelationRule, threat *model.UnifiedThreat)
}

// Engine runs the correlation loop.
type Engine struct {
	source   EventSource
	dispatch Dispatcher
	cfg      model.EngineConfig
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	rulesMu sync.RWMutex
	rules   []model.CorrelationRule
}

// NewEngine creates an engine. interval <= 0 defaults to 60s; a window of
// zero minutes defaults to 15.
func NewEngine(source EventSource, dispatch Dispatcher, cfg model.EngineConfig, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	if cfg.CorrelationWindowMinutes <= 0 {
		cfg.CorrelationWindowMinutes = 15
	}
	return &Engine{
		source:   source,
		dispatch: dispatch,
		cfg:      cfg,
		interval: interval,
		logger:   slog.Default().With("component", "correlate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRules swaps the active rule set. Order is preserved: rules are applied
// in the order given.
func (e *Engine) SetRules(rules []model.CorrelationRule) {
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []model.CorrelationRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]model.CorrelationRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Run ticks until the context is cancelled. A tick exceeding the interval is
// a soft deadline: it logs a warning, completes, and the next tick still
// fires.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			if _, err := e.Correlate(ctx); err != nil {
				e.logger.WarnContext(ctx, "correlation tick failed", "error", err)
			}
			if elapsed := time.Since(started); elapsed > e.interval {
				e.logger.WarnContext(ctx, "correlation tick exceeded interval",
					"elapsed", elapsed, "interval", e.interval)
			}
		}
	}
}

// Correlate evaluates all enabled rules over the window ending now and
// dispatches actions for each surviving threat. Safe to call concurrently
// with the tick loop; invocations share no mutable state beyond the
// read-through event source.
func (e *Engine) Correlate(ctx context.Context) ([]*model.UnifiedThreat, error) {
	now := e.now()
	start := now.Add(-time.Duration(e.cfg.CorrelationWindowMinutes) * time.Minute)

	events, err := e.source.Window(ctx, start, now)
	if err != nil {
		return nil, fault.Wrap(fault.CodeCorrelation, "load correlation window", err)
	}

	windowSources := make(map[model.ToolType]struct{})
	for _, ev := range events {
		windowSources[ev.SourceType] = struct{}{}
	}

	rules := e.Rules()
	var results []emitted
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || !intersects(rule.SourceTypes, windowSources) {
			continue
		}
		threat := e.evalRule(ctx, rule, events, now)
		if threat != nil {
			results = append(results, emitted{rule: rule, threat: threat})
		}
	}

	if e.cfg.DeduplicationEnabled && len(results) > 0 {
		results, err = deduplicate(results, e.cfg.DeduplicationFields)
		if err != nil {
			return nil, fault.Wrap(fault.CodeCorrelation, "deduplicate threats", err)
		}
	}

	threats := make([]*model.UnifiedThreat, 0, len(results))
	for _, em := range results {
		threats = append(threats, em.threat)
		if e.dispatch != nil {
			e.dispatch.Dispatch(ctx, em.rule, em.threat)
		}
	}
	return threats, nil
}

// evalRule runs one rule over the window. A panicking rule aborts that rule
// only; the tick proceeds with the next.
func (e *Engine) evalRule(ctx context.Context, rule *model.CorrelationRule, events []*model.NormalizedEvent, now time.Time) (threat *model.UnifiedThreat) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "rule evaluation panicked",
				"rule_id", rule.ID, "panic", r)
			threat = nil
		}
	}()

	var filtered []*model.NormalizedEvent
	for _, ev := range events {
		if !sourceTypeAllowed(ev.SourceType, rule.SourceTypes) {
			continue
		}
		if eventMatches(ev, rule.Conditions) {
			filtered = append(filtered, ev)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	surviving := applyAggregations(filtered, rule.Aggregations)
	if len(surviving) == 0 {
		return nil
	}
	return synthesize(rule, surviving, now)
}

func sourceTypeAllowed(t model.ToolType, allowed []model.ToolType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func intersects(types []model.ToolType, present map[model.ToolType]struct{}) bool {
	for _, t := range types {
		if _, ok := present[t]; ok {
			return true
		}
	}
	return false
}
