package dispatcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"practice-rules-engine/internal/models"
)

// Variables builds the template vocabulary for one recipient of an event.
// Context keys appear verbatim and in UPPER_SNAKE form; nested objects are
// flattened with dots. Built-in names win over context keys.
func Variables(event models.Event, recipientID string, contact *models.Contact, organization string) map[string]string {
	vars := make(map[string]string, len(event.Context)*2+8)
	flatten("", event.Context, vars)

	vars["EVENT_TYPE"] = event.EventType
	vars["EVENT_ID"] = event.ID
	vars["SUBJECT_ID"] = event.SubjectID
	vars["RECIPIENT_ID"] = recipientID
	if !event.OccurredAt.IsZero() {
		vars["OCCURRED_AT"] = event.OccurredAt.UTC().Format(time.RFC3339)
	}
	if contact != nil && contact.DisplayName != "" {
		vars["RECIPIENT_NAME"] = contact.DisplayName
	}
	if organization != "" {
		vars["ORGANIZATION_NAME"] = organization
	}
	return vars
}

func flatten(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		s := Stringify(v)
		out[key] = s
		out[UpperSnake(key)] = s
	}
}

// UpperSnake converts camelCase, dotted and dashed keys to UPPER_SNAKE_CASE.
func UpperSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '.' || r == '-' || r == ' ':
			b.WriteRune('_')
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])):
			b.WriteRune('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Stringify renders a decoded JSON value for template substitution.
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []interface{}:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, Stringify(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+Stringify(x[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}
