package recipients

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/engine/condition"
	"practice-rules-engine/internal/models"
)

// Directory answers the user queries recipient rules depend on.
type Directory interface {
	// ActiveUsersWithRoles returns active users holding any of the roles.
	ActiveUsersWithRoles(ctx context.Context, roles []string) ([]string, error)
	// SupervisorOf returns the supervisor of userID, if one is assigned.
	SupervisorOf(ctx context.Context, userID string) (string, bool, error)
	// Contact returns how to reach userID. Unknown users return (nil, nil).
	Contact(ctx context.Context, userID string) (*models.Contact, error)
}

// Resolver evaluates recipient rules against events.
type Resolver struct {
	directory Directory
	logger    logger.Logger
}

func NewResolver(directory Directory, log logger.Logger) *Resolver {
	return &Resolver{
		directory: directory,
		logger:    log.WithFields(map[string]interface{}{"component": "recipient-resolver"}),
	}
}

// Resolve returns the sorted, de-duplicated recipient ids for an event.
// A missing event field or an unassigned supervisor yields no ids for that
// branch; directory failures are returned as RECIPIENT_RESOLUTION_FAILED.
func (r *Resolver) Resolve(ctx context.Context, rule Rule, event models.Event) ([]string, error) {
	set := make(map[string]struct{})
	if err := r.collect(ctx, rule, event, set); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) collect(ctx context.Context, rule Rule, event models.Event, set map[string]struct{}) error {
	switch rl := rule.(type) {
	case StaticRoles:
		ids, err := r.directory.ActiveUsersWithRoles(ctx, rl.Roles)
		if err != nil {
			return apperrors.NewRecipientResolutionFailedError(string(TypeStaticRoles), err)
		}
		for _, id := range ids {
			add(set, id)
		}

	case EventField:
		if id, ok := r.fieldUserID(event, rl.Path); ok {
			add(set, id)
		}

	case SupervisorOf:
		userID, ok := r.fieldUserID(event, rl.Path)
		if !ok {
			return nil
		}
		supervisor, found, err := r.directory.SupervisorOf(ctx, userID)
		if err != nil {
			return apperrors.NewRecipientResolutionFailedError(string(TypeSupervisorOf), err)
		}
		if !found {
			r.logger.Info("no supervisor assigned", map[string]interface{}{
				"userId":    userID,
				"eventType": event.EventType,
			})
			return nil
		}
		add(set, supervisor)

	case Union:
		for _, child := range rl.Rules {
			if err := r.collect(ctx, child, event, set); err != nil {
				return err
			}
		}

	default:
		return apperrors.NewRecipientRuleInvalidError(fmt.Sprintf("unsupported rule %T", rule))
	}
	return nil
}

func (r *Resolver) fieldUserID(event models.Event, path string) (string, bool) {
	v, ok := condition.Lookup(event.Context, path)
	if !ok || v == nil {
		r.logger.Info("recipient field missing from event", map[string]interface{}{
			"path":      path,
			"eventType": event.EventType,
		})
		return "", false
	}
	id, ok := UserID(v)
	if !ok {
		r.logger.Info("recipient field is not a user id", map[string]interface{}{
			"path":      path,
			"eventType": event.EventType,
		})
	}
	return id, ok
}

// UserID normalizes an event value into a user id. Numbers are rendered
// without a fractional part when they are integral.
func UserID(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case fmt.Stringer:
		s := t.String()
		return s, s != ""
	default:
		return "", false
	}
}

func add(set map[string]struct{}, id string) {
	if id = strings.TrimSpace(id); id != "" {
		set[id] = struct{}{}
	}
}
