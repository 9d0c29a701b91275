package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a resolution strategy variant.
type Kind string

const (
	KindPreferSource Kind = "prefer_source"
	KindPreferTarget Kind = "prefer_target"
	KindPreferSystem Kind = "prefer_system"
	KindMax          Kind = "max"
	KindSum          Kind = "sum"
	KindEarliestDate Kind = "earliest_date"
	KindLatestDate   Kind = "latest_date"
	KindOrderStatus  Kind = "order_status"
	KindMergeBatches Kind = "merge_batches"
	KindManual       Kind = "manual"
)

// Strategy errors
var (
	ErrManualResolution = errors.New("field requires manual resolution")
	ErrNotNumeric       = errors.New("value is not numeric")
	ErrNotDate          = errors.New("value is not a date")
)

// Candidate is one system's value for a disputed field.
type Candidate struct {
	System string
	Value  any
}

// Strategy resolves one field-level disagreement between a source value and
// one or more target values.
type Strategy interface {
	Kind() Kind
	// Resolve returns the winning value and a human-readable reason.
	// Manual strategies return ErrManualResolution and no value.
	Resolve(source Candidate, targets []Candidate) (any, string, error)
}

// PreferSource keeps the source system's value.
type PreferSource struct {
	// Reason overrides the default explanation, used for the fallback path
	// when no strategy is registered for a field.
	Reason string
}

func (PreferSource) Kind() Kind { return KindPreferSource }

func (s PreferSource) Resolve(source Candidate, _ []Candidate) (any, string, error) {
	reason := s.Reason
	if reason == "" {
		reason = "source system holds the most recent edit"
	}
	return source.Value, reason, nil
}

// PreferTarget keeps the first target system's value.
type PreferTarget struct{}

func (PreferTarget) Kind() Kind { return KindPreferTarget }

func (PreferTarget) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	if len(targets) == 0 {
		return source.Value, "no target value, kept source", nil
	}
	return targets[0].Value, fmt.Sprintf("target system %s is authoritative", targets[0].System), nil
}

// PreferSystem keeps the value observed in one named system-of-record,
// falling back to the source value when that system offered none.
type PreferSystem struct {
	System string
}

func (PreferSystem) Kind() Kind { return KindPreferSystem }

func (s PreferSystem) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	if source.System == s.System {
		return source.Value, fmt.Sprintf("%s is the system of record", s.System), nil
	}
	for _, t := range targets {
		if t.System == s.System {
			return t.Value, fmt.Sprintf("%s is the system of record", s.System), nil
		}
	}
	return source.Value, fmt.Sprintf("system of record %s offered no value, kept source", s.System), nil
}

// Max keeps the numerically largest candidate. Used for monetary ceilings
// such as credit limits, which must never tighten unexpectedly.
type Max struct{}

func (Max) Kind() Kind { return KindMax }

func (Max) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	max, err := toDecimal(source.Value)
	if err != nil {
		return nil, "", err
	}
	for _, t := range targets {
		v, err := toDecimal(t.Value)
		if err != nil {
			return nil, "", err
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max.InexactFloat64(), "kept the largest candidate value", nil
}

// Sum adds all candidates. Reservations made across channels are additive.
type Sum struct{}

func (Sum) Kind() Kind { return KindSum }

func (Sum) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	total, err := toDecimal(source.Value)
	if err != nil {
		return nil, "", err
	}
	for _, t := range targets {
		v, err := toDecimal(t.Value)
		if err != nil {
			return nil, "", err
		}
		total = total.Add(v)
	}
	return total.InexactFloat64(), "summed candidates across systems", nil
}

// EarliestDate keeps the earliest candidate date. Conservative choice for
// safety-sensitive windows such as perishable expiry.
type EarliestDate struct{}

func (EarliestDate) Kind() Kind { return KindEarliestDate }

func (EarliestDate) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	return resolveDate(source, targets, true)
}

// LatestDate keeps the latest candidate date, the permissive choice for
// validity windows.
type LatestDate struct{}

func (LatestDate) Kind() Kind { return KindLatestDate }

func (LatestDate) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	return resolveDate(source, targets, false)
}

func resolveDate(source Candidate, targets []Candidate, earliest bool) (any, string, error) {
	best, err := toTime(source.Value)
	if err != nil {
		return nil, "", err
	}
	for _, t := range targets {
		v, err := toTime(t.Value)
		if err != nil {
			return nil, "", err
		}
		if (earliest && v.Before(best)) || (!earliest && v.After(best)) {
			best = v
		}
	}
	if earliest {
		return best.Format(time.RFC3339), "kept the earliest candidate date", nil
	}
	return best.Format(time.RFC3339), "kept the latest candidate date", nil
}

// orderStatusRank ladders order lifecycle stages. An order never regresses
// to an earlier fulfillment stage; cancellation is terminal.
var orderStatusRank = map[string]int{
	"draft":      0,
	"pending":    1,
	"confirmed":  2,
	"processing": 3,
	"shipped":    4,
	"delivered":  5,
	"completed":  6,
	"cancelled":  7,
}

// OrderStatus keeps the candidate furthest along the order lifecycle.
type OrderStatus struct{}

func (OrderStatus) Kind() Kind { return KindOrderStatus }

func (OrderStatus) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	best, bestRank := source.Value, rankOf(source.Value)
	for _, t := range targets {
		if r := rankOf(t.Value); r > bestRank {
			best, bestRank = t.Value, r
		}
	}
	return best, "kept the furthest lifecycle stage", nil
}

func rankOf(v any) int {
	s, ok := v.(string)
	if !ok {
		return -1
	}
	rank, ok := orderStatusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// MergeBatches merges batch/lot collections by batch id, keeping the earliest
// expiry recorded for each id so provenance data is never discarded.
type MergeBatches struct{}

func (MergeBatches) Kind() Kind { return KindMergeBatches }

func (MergeBatches) Resolve(source Candidate, targets []Candidate) (any, string, error) {
	merged := map[string]map[string]any{}
	order := []string{}

	addAll := func(v any) {
		items, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range items {
			batch, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := batchID(batch)
			if id == "" {
				continue
			}
			existing, seen := merged[id]
			if !seen {
				merged[id] = batch
				order = append(order, id)
				continue
			}
			if expiryBefore(batch, existing) {
				merged[id] = batch
			}
		}
	}

	addAll(source.Value)
	for _, t := range targets {
		addAll(t.Value)
	}

	sort.Strings(order)
	result := make([]any, 0, len(order))
	for _, id := range order {
		result = append(result, merged[id])
	}
	return result, "merged batches by id, earliest expiry kept per id", nil
}

func batchID(batch map[string]any) string {
	for _, key := range []string{"batch_id", "id", "lot_number"} {
		if v, ok := batch[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func expiryBefore(a, b map[string]any) bool {
	ta, errA := toTime(a["expiry_date"])
	tb, errB := toTime(b["expiry_date"])
	if errA != nil || errB != nil {
		return false
	}
	return ta.Before(tb)
}

// Manual refuses automatic resolution; the owning operation must surface for
// operator action.
type Manual struct{}

func (Manual) Kind() Kind { return KindManual }

func (Manual) Resolve(Candidate, []Candidate) (any, string, error) {
	return nil, "", ErrManualResolution
}

// toDecimal coerces JSON-decoded numeric shapes into a decimal.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrNotNumeric, n)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}

// toTime coerces time values and common date string layouts.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotDate, t)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrNotDate, v)
	}
}
