package conflict

import (
	"errors"
	"reflect"
	"sort"

	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
)

// FieldKey identifies a field of an entity type in the strategy registry.
type FieldKey struct {
	EntityType syncdomain.EntityType
	Field      string
}

// Detail records one field-level disagreement and how it was settled.
type Detail struct {
	Field        string `json:"field"`
	SourceValue  any    `json:"source_value"`
	TargetValues []any  `json:"target_values"`
	Resolution   Kind   `json:"resolution"`
	Reason       string `json:"reason"`
	// CurrentValue is unset when Resolution is manual.
	CurrentValue any `json:"current_value,omitempty"`
}

// Resolution is the outcome of reconciling one entity across systems.
type Resolution struct {
	HasConflicts bool           `json:"has_conflicts"`
	Resolved     bool           `json:"resolved"`
	Conflicts    []Detail       `json:"conflicts"`
	ResolvedData map[string]any `json:"resolved_data,omitempty"`
}

// Registry maps entity fields to resolution strategies. Fields without a
// registered strategy fall back to prefer-source with an explicit reason so
// conflicts are never silently dropped.
type Registry struct {
	strategies map[FieldKey]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[FieldKey]Strategy)}
}

// Register binds a strategy to an entity field, replacing any existing one.
func (r *Registry) Register(entityType syncdomain.EntityType, field string, s Strategy) {
	r.strategies[FieldKey{EntityType: entityType, Field: field}] = s
}

// Lookup returns the strategy for a field and whether one was registered.
func (r *Registry) Lookup(entityType syncdomain.EntityType, field string) (Strategy, bool) {
	s, ok := r.strategies[FieldKey{EntityType: entityType, Field: field}]
	return s, ok
}

// DefaultRegistry seeds the per-field strategy table. inventorySystem names
// the system of record for physical stock counts.
func DefaultRegistry(inventorySystem string) *Registry {
	r := NewRegistry()

	// Customer contact fields: the triggering system saw the edit.
	for _, f := range []string{"email", "phone", "address", "billing_address", "shipping_address"} {
		r.Register(syncdomain.EntityCustomer, f, PreferSource{})
	}
	// Never tighten a customer's credit unexpectedly.
	r.Register(syncdomain.EntityCustomer, "credit_limit", Max{})

	// Physical counts belong to a single system; reservations are additive.
	r.Register(syncdomain.EntityInventory, "qty_on_hand", PreferSystem{System: inventorySystem})
	r.Register(syncdomain.EntityInventory, "qty_reserved", Sum{})
	r.Register(syncdomain.EntityInventory, "expiry_date", EarliestDate{})
	r.Register(syncdomain.EntityInventory, "batches", MergeBatches{})

	r.Register(syncdomain.EntityOrder, "status", OrderStatus{})

	r.Register(syncdomain.EntityPricing, "valid_from", EarliestDate{})
	r.Register(syncdomain.EntityPricing, "valid_to", LatestDate{})

	r.Register(syncdomain.EntityQuality, "expiry_date", EarliestDate{})
	r.Register(syncdomain.EntityQuality, "batches", MergeBatches{})

	return r
}

// Resolver reconciles divergent entity snapshots field by field. It is a
// pure function library: resolving the same inputs twice yields the same
// resolution.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve compares the source snapshot against every target snapshot and
// applies the per-field strategy for each detected disagreement.
// Resolved is true only when no detected conflict required manual action.
func (r *Resolver) Resolve(source *syncdomain.Snapshot, targets []*syncdomain.Snapshot) Resolution {
	result := Resolution{Resolved: true, Conflicts: []Detail{}}
	if source == nil {
		return result
	}

	resolved := make(map[string]any, len(source.Fields))
	for k, v := range source.Fields {
		resolved[k] = v
	}

	for _, field := range sortedFields(source.Fields) {
		sourceValue := source.Fields[field]
		divergent := divergentCandidates(field, sourceValue, targets)
		if len(divergent) == 0 {
			continue
		}

		result.HasConflicts = true
		detail := Detail{
			Field:        field,
			SourceValue:  sourceValue,
			TargetValues: candidateValues(divergent),
		}

		strategy, ok := r.registry.Lookup(source.EntityType, field)
		if !ok {
			strategy = PreferSource{Reason: "no strategy registered for field, kept source value"}
		}
		detail.Resolution = strategy.Kind()

		value, reason, err := strategy.Resolve(Candidate{System: source.System, Value: sourceValue}, divergent)
		switch {
		case errors.Is(err, ErrManualResolution):
			detail.Reason = "manual resolution required"
			result.Resolved = false
		case err != nil:
			// A strategy that cannot interpret the values cannot settle
			// the disagreement automatically.
			detail.Reason = err.Error()
			result.Resolved = false
		default:
			detail.Reason = reason
			detail.CurrentValue = value
			resolved[field] = value
		}

		result.Conflicts = append(result.Conflicts, detail)
	}

	if result.Resolved {
		result.ResolvedData = resolved
	}
	return result
}

// divergentCandidates returns the target values that disagree with the
// source value for one field.
func divergentCandidates(field string, sourceValue any, targets []*syncdomain.Snapshot) []Candidate {
	var divergent []Candidate
	for _, target := range targets {
		if target == nil {
			continue
		}
		targetValue, ok := target.Fields[field]
		if !ok {
			continue
		}
		if !equalValues(sourceValue, targetValue) {
			divergent = append(divergent, Candidate{System: target.System, Value: targetValue})
		}
	}
	return divergent
}

func candidateValues(candidates []Candidate) []any {
	values := make([]any, len(candidates))
	for i, c := range candidates {
		values[i] = c.Value
	}
	return values
}

// equalValues compares field values, treating numerically equal numbers as
// equal regardless of their decoded Go type.
func equalValues(a, b any) bool {
	da, errA := toDecimal(a)
	db, errB := toDecimal(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return reflect.DeepEqual(a, b)
}

// sortedFields returns field names in deterministic order so resolution
// output is stable across runs.
func sortedFields(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
