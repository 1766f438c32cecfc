package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"practice-rules-engine/internal/common/logger"
)

// Evaluator evaluates condition trees against an event context.
// The zero value uses the wall clock and does not log.
type Evaluator struct {
	Now    func() time.Time
	Logger logger.Logger
}

// NewEvaluator returns an Evaluator that logs missing fields at debug level.
func NewEvaluator(log logger.Logger) *Evaluator {
	return &Evaluator{Now: time.Now, Logger: log}
}

// Evaluate is the package-level form using the wall clock.
func Evaluate(expr Expr, ctx map[string]interface{}) bool {
	return (&Evaluator{}).Evaluate(expr, ctx)
}

// Evaluate never fails: missing fields and mismatched types make the
// enclosing comparison false.
func (ev *Evaluator) Evaluate(expr Expr, ctx map[string]interface{}) bool {
	switch e := expr.(type) {
	case And:
		for _, c := range e.Children {
			if !ev.Evaluate(c, ctx) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range e.Children {
			if ev.Evaluate(c, ctx) {
				return true
			}
		}
		return false
	case Not:
		return !ev.Evaluate(e.Child, ctx)
	case Compare:
		return ev.compare(e, ctx)
	default:
		return false
	}
}

func (ev *Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

func (ev *Evaluator) compare(c Compare, ctx map[string]interface{}) bool {
	actual, ok := Lookup(ctx, c.Field)
	if !ok {
		if ev.Logger != nil {
			ev.Logger.Debug("condition field missing", map[string]interface{}{
				"field":    c.Field,
				"operator": string(c.Op),
			})
		}
		return false
	}

	switch c.Op {
	case OpEq:
		return equal(actual, c.Value)
	case OpNeq:
		return !equal(actual, c.Value)
	case OpIn:
		items, _ := c.Value.([]interface{})
		for _, item := range items {
			if equal(actual, item) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := order(actual, c.Value)
		return ok && holds(c.Op, cmp)
	case OpDaysSinceGt, OpDaysSinceGte, OpDaysSinceLt, OpDaysSinceLte:
		at, ok := asTime(actual)
		if !ok {
			return false
		}
		limit, ok := asFloat(c.Value)
		if !ok {
			return false
		}
		days := ev.now().Sub(at).Hours() / 24
		return holds(c.Op, compareFloats(days, limit))
	default:
		return false
	}
}

func holds(op Operator, cmp int) bool {
	switch op {
	case OpGt, OpDaysSinceGt:
		return cmp > 0
	case OpGte, OpDaysSinceGte:
		return cmp >= 0
	case OpLt, OpDaysSinceLt:
		return cmp < 0
	case OpLte, OpDaysSinceLte:
		return cmp <= 0
	}
	return false
}

// Lookup resolves a field in the context. An exact key wins; otherwise the
// name is walked as a dotted path through nested objects.
func Lookup(ctx map[string]interface{}, field string) (interface{}, bool) {
	if v, ok := ctx[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var cur interface{} = ctx
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// Two strings compare as text so identifiers like "01234" keep their zeros.
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// order compares numerically when both sides are numbers, else as dates.
func order(actual, literal interface{}) (int, bool) {
	if lf, ok := literal.(float64); ok {
		af, ok := asFloat(actual)
		if !ok {
			return 0, false
		}
		return compareFloats(af, lf), true
	}
	lt, ok := asTime(literal)
	if !ok {
		return 0, false
	}
	at, ok := asTime(actual)
	if !ok {
		return 0, false
	}
	switch {
	case at.Before(lt):
		return -1, true
	case at.After(lt):
		return 1, true
	default:
		return 0, true
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		return parseTime(t)
	default:
		return time.Time{}, false
	}
}
