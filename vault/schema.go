package vault

import (
	"encoding/json"
	"fmt"
)

// UpgradeFunc rewrites a field value from one schema version to the next.
type UpgradeFunc func(json.RawMessage) (json.RawMessage, error)

// Schema holds forward-only upgrade steps per field.
type Schema struct {
	latest map[string]int
	steps  map[string]map[int]UpgradeFunc
}

// NewSchema returns an empty schema; no field is ever upgraded.
func NewSchema() *Schema {
	return &Schema{latest: map[string]int{}, steps: map[string]map[int]UpgradeFunc{}}
}

// Register adds the step that upgrades field from version from to from+1.
func (s *Schema) Register(field string, from int, fn UpgradeFunc) *Schema {
	if s.steps[field] == nil {
		s.steps[field] = map[int]UpgradeFunc{}
	}
	s.steps[field][from] = fn
	if from+1 > s.latest[field] {
		s.latest[field] = from + 1
	}
	return s
}

// Latest returns the newest version known for field, or 0 if unregistered.
func (s *Schema) Latest(field string) int {
	if s == nil {
		return 0
	}
	return s.latest[field]
}

// Upgrade runs every step from version up to Latest(field). A missing step
// stops the chain at the version reached so far.
func (s *Schema) Upgrade(field string, value json.RawMessage, version int) (json.RawMessage, int, error) {
	if version < 1 {
		version = 1
	}
	target := s.Latest(field)
	for version < target {
		fn := s.steps[field][version]
		if fn == nil {
			break
		}
		next, err := fn(value)
		if err != nil {
			return value, version, fmt.Errorf("upgrading %s from v%d: %w", field, version, err)
		}
		value = next
		version++
	}
	return value, version, nil
}

// FinanceSchema upgrades the financial fields to their current shapes.
func FinanceSchema() *Schema {
	return NewSchema().
		Register("moneyProfile", 1, upgradeObject(func(obj map[string]any) {
			defaultSlice(obj, "incomes")
			defaultSlice(obj, "expenses")
			defaultValue(obj, "savingsBalance", "")
			defaultValue(obj, "savingsMonthly", "")
			defaultValue(obj, "name", "")
		})).
		Register("financialHealthScore", 1, upgradeObject(func(obj map[string]any) {
			defaultTruthy(obj, "pillars", map[string]any{"buffer": 0, "freedom": 0, "stability": 0})
			defaultTruthy(obj, "explanations", map[string]any{"buffer": "", "freedom": "", "stability": ""})
			defaultTruthy(obj, "confidence", map[string]any{"label": "Early Confidence", "detail": "", "periods": 0})
			defaultSlice(obj, "milestones")
		})).
		Register("debtCashForm", 1, upgradeObject(func(obj map[string]any) {
			debts, _ := obj["manualDebts"].([]any)
			out := make([]any, 0, len(debts))
			for _, d := range debts {
				entry, ok := d.(map[string]any)
				if !ok {
					entry = map[string]any{}
				}
				defaultTruthy(entry, "source", "manual")
				out = append(out, entry)
			}
			obj["manualDebts"] = out
		}))
}

// upgradeObject adapts an in-place edit of a JSON object into an UpgradeFunc.
// A null value upgrades as an empty object.
func upgradeObject(edit func(map[string]any)) UpgradeFunc {
	return func(raw json.RawMessage) (json.RawMessage, error) {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("value is not an object: %w", err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
		edit(obj)
		return json.Marshal(obj)
	}
}

func defaultSlice(obj map[string]any, key string) {
	if _, ok := obj[key].([]any); !ok {
		obj[key] = []any{}
	}
}

// defaultValue fills key when it is missing or null.
func defaultValue(obj map[string]any, key string, v any) {
	if obj[key] == nil {
		obj[key] = v
	}
}

// defaultTruthy fills key when it is missing or holds a falsy JSON value.
func defaultTruthy(obj map[string]any, key string, v any) {
	switch cur := obj[key].(type) {
	case nil:
		obj[key] = v
	case bool:
		if !cur {
			obj[key] = v
		}
	case string:
		if cur == "" {
			obj[key] = v
		}
	case float64:
		if cur == 0 {
			obj[key] = v
		}
	}
}
