// Package recipients turns recipient rules into concrete user id sets.
package recipients

import (
	"encoding/json"
	"fmt"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/validation"
)

// RuleType names a rule variant in the JSON form.
type RuleType string

const (
	TypeStaticRoles  RuleType = "static_roles"
	TypeEventField   RuleType = "event_field"
	TypeSupervisorOf RuleType = "supervisor_of"
	TypeUnion        RuleType = "union"
)

// Rule is a recipient rule. The set of variants is closed.
type Rule interface {
	ruleType() RuleType
}

// StaticRoles selects every active user holding any of the roles.
type StaticRoles struct {
	Roles []string
}

// EventField selects the user id found at Path in the event context.
type EventField struct {
	Path string
}

// SupervisorOf selects the supervisor of the user id found at Path.
type SupervisorOf struct {
	Path string
}

// Union is the set union of its rules.
type Union struct {
	Rules []Rule
}

func (StaticRoles) ruleType() RuleType  { return TypeStaticRoles }
func (EventField) ruleType() RuleType   { return TypeEventField }
func (SupervisorOf) ruleType() RuleType { return TypeSupervisorOf }
func (Union) ruleType() RuleType        { return TypeUnion }

type ruleNode struct {
	Type  RuleType   `json:"type"`
	Roles []string   `json:"roles,omitempty"`
	Path  string     `json:"path,omitempty"`
	Rules []ruleNode `json:"rules,omitempty"`
}

// ParseRule validates a JSON recipient rule. Failures are RECIPIENT_RULE_INVALID.
func ParseRule(raw json.RawMessage) (Rule, error) {
	if len(raw) == 0 {
		return nil, apperrors.NewRecipientRuleInvalidError("recipient rule is empty")
	}
	res, err := validation.RecipientRuleSchema.ValidateBytes(raw)
	if err != nil {
		return nil, apperrors.NewRecipientRuleInvalidError(err.Error())
	}
	if !res.Valid {
		return nil, apperrors.NewRecipientRuleInvalidError(res.Error())
	}

	var n ruleNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, apperrors.NewRecipientRuleInvalidError(err.Error())
	}
	rule, err := fromRuleNode(n, "$")
	if err != nil {
		return nil, apperrors.NewRecipientRuleInvalidError(err.Error())
	}
	return rule, nil
}

func fromRuleNode(n ruleNode, path string) (Rule, error) {
	switch n.Type {
	case TypeStaticRoles:
		if len(n.Roles) == 0 {
			return nil, fmt.Errorf("%s: static_roles needs at least one role", path)
		}
		if n.Path != "" || len(n.Rules) > 0 {
			return nil, fmt.Errorf("%s: static_roles takes only roles", path)
		}
		return StaticRoles{Roles: n.Roles}, nil
	case TypeEventField, TypeSupervisorOf:
		if n.Path == "" {
			return nil, fmt.Errorf("%s: %s needs a path", path, n.Type)
		}
		if len(n.Roles) > 0 || len(n.Rules) > 0 {
			return nil, fmt.Errorf("%s: %s takes only a path", path, n.Type)
		}
		if n.Type == TypeEventField {
			return EventField{Path: n.Path}, nil
		}
		return SupervisorOf{Path: n.Path}, nil
	case TypeUnion:
		if len(n.Rules) == 0 {
			return nil, fmt.Errorf("%s: union needs at least one rule", path)
		}
		rules := make([]Rule, 0, len(n.Rules))
		for i, child := range n.Rules {
			r, err := fromRuleNode(child, fmt.Sprintf("%s.rules[%d]", path, i))
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		return Union{Rules: rules}, nil
	default:
		return nil, fmt.Errorf("%s: unknown rule type %q", path, n.Type)
	}
}
