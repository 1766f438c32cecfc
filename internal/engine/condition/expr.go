// Package condition parses and evaluates trigger condition trees.
package condition

import "encoding/json"

// Kind names a node variant in the JSON form.
type Kind string

const (
	KindAnd     Kind = "and"
	KindOr      Kind = "or"
	KindNot     Kind = "not"
	KindCompare Kind = "compare"
)

// Operator is a COMPARE operator.
type Operator string

const (
	OpEq           Operator = "eq"
	OpNeq          Operator = "neq"
	OpIn           Operator = "in"
	OpGt           Operator = "gt"
	OpGte          Operator = "gte"
	OpLt           Operator = "lt"
	OpLte          Operator = "lte"
	OpDaysSinceGt  Operator = "days_since_gt"
	OpDaysSinceGte Operator = "days_since_gte"
	OpDaysSinceLt  Operator = "days_since_lt"
	OpDaysSinceLte Operator = "days_since_lte"
)

// Expr is a node of a condition tree. The set of variants is closed.
type Expr interface {
	kind() Kind
}

type And struct {
	Children []Expr
}

type Or struct {
	Children []Expr
}

type Not struct {
	Child Expr
}

// Compare tests one context field against a literal.
type Compare struct {
	Op    Operator
	Field string
	Value interface{}
}

func (And) kind() Kind     { return KindAnd }
func (Or) kind() Kind      { return KindOr }
func (Not) kind() Kind     { return KindNot }
func (Compare) kind() Kind { return KindCompare }

// node is the JSON wire form of every variant.
type node struct {
	Kind     Kind            `json:"kind"`
	Operator Operator        `json:"operator,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Children []node          `json:"children,omitempty"`
}

// Marshal renders an expression back into its JSON form.
func Marshal(e Expr) (json.RawMessage, error) {
	n, err := toNode(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func toNode(e Expr) (node, error) {
	switch v := e.(type) {
	case And:
		children, err := toNodes(v.Children)
		return node{Kind: KindAnd, Children: children}, err
	case Or:
		children, err := toNodes(v.Children)
		return node{Kind: KindOr, Children: children}, err
	case Not:
		child, err := toNode(v.Child)
		return node{Kind: KindNot, Children: []node{child}}, err
	case Compare:
		raw, err := json.Marshal(v.Value)
		return node{Kind: KindCompare, Operator: v.Op, Field: v.Field, Value: raw}, err
	default:
		return node{}, ErrUnknownKind
	}
}

func toNodes(exprs []Expr) ([]node, error) {
	out := make([]node, 0, len(exprs))
	for _, e := range exprs {
		n, err := toNode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
