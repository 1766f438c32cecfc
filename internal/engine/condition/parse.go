package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/validation"
)

// MaxDepth bounds how deeply condition trees may nest.
const MaxDepth = 32

var (
	ErrUnknownKind = errors.New("unknown condition kind")
	ErrTooDeep     = errors.New("condition tree too deep")
)

// Parse validates a JSON condition tree and returns its AST.
// Every failure is a CONDITION_INVALID StandardError.
func Parse(raw json.RawMessage) (Expr, error) {
	if len(raw) == 0 {
		return nil, apperrors.NewConditionInvalidError("condition is empty")
	}

	res, err := validation.ConditionSchema.ValidateBytes(raw)
	if err != nil {
		return nil, apperrors.NewConditionInvalidError(err.Error())
	}
	if !res.Valid {
		return nil, apperrors.NewConditionInvalidError(res.Error())
	}

	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, apperrors.NewConditionInvalidError(err.Error())
	}

	expr, err := fromNode(n, "$", 0)
	if err != nil {
		return nil, apperrors.NewConditionInvalidError(err.Error())
	}
	return expr, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Expr {
	e, err := Parse(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return e
}

func fromNode(n node, path string, depth int) (Expr, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%s: %w", path, ErrTooDeep)
	}

	switch n.Kind {
	case KindAnd, KindOr:
		if n.Operator != "" || n.Field != "" || len(n.Value) > 0 {
			return nil, fmt.Errorf("%s: %s takes only children", path, n.Kind)
		}
		children := make([]Expr, 0, len(n.Children))
		for i, c := range n.Children {
			child, err := fromNode(c, fmt.Sprintf("%s.children[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if n.Kind == KindAnd {
			return And{Children: children}, nil
		}
		return Or{Children: children}, nil

	case KindNot:
		if len(n.Children) != 1 {
			return nil, fmt.Errorf("%s: not requires exactly one child, got %d", path, len(n.Children))
		}
		child, err := fromNode(n.Children[0], path+".children[0]", depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil

	case KindCompare:
		return compareFromNode(n, path)

	default:
		return nil, fmt.Errorf("%s: %w %q", path, ErrUnknownKind, n.Kind)
	}
}

func compareFromNode(n node, path string) (Expr, error) {
	if len(n.Children) > 0 {
		return nil, fmt.Errorf("%s: compare takes no children", path)
	}
	if n.Field == "" {
		return nil, fmt.Errorf("%s: compare requires a field", path)
	}
	if n.Operator == "" {
		return nil, fmt.Errorf("%s: compare requires an operator", path)
	}
	if len(n.Value) == 0 {
		return nil, fmt.Errorf("%s: compare requires a value", path)
	}

	var value interface{}
	if err := json.Unmarshal(n.Value, &value); err != nil {
		return nil, fmt.Errorf("%s: value: %w", path, err)
	}

	switch n.Operator {
	case OpEq, OpNeq:
		if !isScalar(value) {
			return nil, fmt.Errorf("%s: %s needs a scalar value", path, n.Operator)
		}
	case OpIn:
		items, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: in needs an array value", path)
		}
		for i, item := range items {
			if !isScalar(item) {
				return nil, fmt.Errorf("%s: in value[%d] is not a scalar", path, i)
			}
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := value.(float64); ok {
			break
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: %s needs a number or a date", path, n.Operator)
		}
		if _, ok := parseTime(s); !ok {
			return nil, fmt.Errorf("%s: %q is not a date", path, s)
		}
	case OpDaysSinceGt, OpDaysSinceGte, OpDaysSinceLt, OpDaysSinceLte:
		if _, ok := value.(float64); !ok {
			return nil, fmt.Errorf("%s: %s needs a number of days", path, n.Operator)
		}
	default:
		return nil, fmt.Errorf("%s: unknown operator %q", path, n.Operator)
	}

	return Compare{Op: n.Operator, Field: n.Field, Value: value}, nil
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, float64, bool, nil:
		return true
	default:
		return false
	}
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
