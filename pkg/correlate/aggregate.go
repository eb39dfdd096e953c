package correlate

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// applyAggregations runs the rule's aggregations in order. Each stage groups
// the surviving events, reduces each group and keeps only groups whose
// having condition holds; an empty surviving set short-circuits.
func applyAggregations(events []*model.NormalizedEvent, aggs []model.Aggregation) []*model.NormalizedEvent {
	surviving := events
	for _, agg := range aggs {
		surviving = applyAggregation(surviving, agg)
		if len(surviving) == 0 {
			return nil
		}
	}
	return surviving
}

func applyAggregation(events []*model.NormalizedEvent, agg model.Aggregation) []*model.NormalizedEvent {
	groupFields := agg.GroupBy
	if len(groupFields) == 0 {
		groupFields = []string{agg.Field}
	}

	groups := make(map[string][]*model.NormalizedEvent)
	var order []string
	for _, e := range events {
		key := groupKey(e, groupFields)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var surviving []*model.NormalizedEvent
	for _, key := range order {
		group := groups[key]
		value := reduce(group, agg)
		if agg.Having != nil && !havingHolds(value, agg.Function, *agg.Having) {
			continue
		}
		surviving = append(surviving, group...)
	}
	return surviving
}

func groupKey(e *model.NormalizedEvent, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, _ := e.Field(f)
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x1f")
}

// reduce computes the aggregation value of one group. Non-numeric field
// values coerce to 0 for the numeric reducers.
func reduce(group []*model.NormalizedEvent, agg model.Aggregation) float64 {
	switch agg.Function {
	case model.AggCount:
		return float64(len(group))
	case model.AggSum, model.AggAvg:
		var sum float64
		for _, e := range group {
			v, _ := e.Field(agg.Field)
			f, _ := toFloat(v)
			sum += f
		}
		if agg.Function == model.AggAvg && len(group) > 0 {
			return sum / float64(len(group))
		}
		return sum
	case model.AggMin, model.AggMax:
		var out float64
		for i, e := range group {
			v, _ := e.Field(agg.Field)
			f, _ := toFloat(v)
			if i == 0 {
				out = f
				continue
			}
			if agg.Function == model.AggMin && f < out {
				out = f
			}
			if agg.Function == model.AggMax && f > out {
				out = f
			}
		}
		return out
	case model.AggUnique:
		seen := make(map[string]struct{})
		for _, e := range group {
			v, _ := e.Field(agg.Field)
			seen[fmt.Sprint(v)] = struct{}{}
		}
		return float64(len(seen))
	}
	return 0
}

// havingHolds evaluates the having condition against the synthesized record:
// {count: v} for the count function, {value: v} for every other function.
func havingHolds(value float64, fn model.AggregateFunction, having model.Condition) bool {
	record := map[string]any{"value": value}
	if fn == model.AggCount {
		record = map[string]any{"count": value}
	}
	v, ok := record[having.Field]
	if !ok {
		return false
	}
	return evalCondition(v, having)
}
