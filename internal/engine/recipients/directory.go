package recipients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"practice-rules-engine/internal/common/auth"
	"practice-rules-engine/internal/models"
)

// PgDirectory reads users, roles and supervision from Postgres.
type PgDirectory struct {
	db *sql.DB
}

func NewPgDirectory(db *sql.DB) *PgDirectory {
	return &PgDirectory{db: db}
}

func (d *PgDirectory) ActiveUsersWithRoles(ctx context.Context, roles []string) ([]string, error) {
	const query = `
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_roles r ON r.user_id = u.id
		WHERE u.active = true AND r.role = ANY($1)
		ORDER BY u.id`

	rows, err := d.db.QueryContext(ctx, query, pq.Array(roles))
	if err != nil {
		return nil, fmt.Errorf("query role members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan role member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *PgDirectory) SupervisorOf(ctx context.Context, userID string) (string, bool, error) {
	const query = `
		SELECT s.supervisor_id
		FROM supervisor_assignments s
		JOIN users u ON u.id = s.supervisor_id
		WHERE s.user_id = $1 AND u.active = true`

	var supervisor string
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&supervisor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query supervisor: %w", err)
	}
	return supervisor, true, nil
}

func (d *PgDirectory) Contact(ctx context.Context, userID string) (*models.Contact, error) {
	const query = `
		SELECT display_name, email, phone, webhook_url
		FROM users
		WHERE id = $1`

	var name, email, phone, webhook sql.NullString
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&name, &email, &phone, &webhook)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &models.Contact{
		UserID:      userID,
		DisplayName: name.String,
		Email:       email.String,
		Phone:       phone.String,
		WebhookURL:  webhook.String,
	}, nil
}

// KeycloakDirectory resolves roles from realm role membership and supervision
// from a user attribute holding the supervisor's user id.
type KeycloakDirectory struct {
	client         *auth.KeycloakClient
	supervisorAttr string
	phoneAttr      string
}

func NewKeycloakDirectory(client *auth.KeycloakClient, supervisorAttr, phoneAttr string) *KeycloakDirectory {
	return &KeycloakDirectory{client: client, supervisorAttr: supervisorAttr, phoneAttr: phoneAttr}
}

func (d *KeycloakDirectory) ActiveUsersWithRoles(ctx context.Context, roles []string) ([]string, error) {
	var ids []string
	for _, role := range roles {
		users, err := d.client.RoleUsers(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("list members of role %s: %w", role, err)
		}
		for _, u := range users {
			if u.Enabled && u.ID != "" {
				ids = append(ids, u.ID)
			}
		}
	}
	return ids, nil
}

func (d *KeycloakDirectory) SupervisorOf(ctx context.Context, userID string) (string, bool, error) {
	user, err := d.client.GetUser(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		return "", false, nil
	}
	supervisorID := user.Attribute(d.supervisorAttr)
	if supervisorID == "" {
		return "", false, nil
	}

	supervisor, err := d.client.GetUser(ctx, supervisorID)
	if err != nil {
		return "", false, fmt.Errorf("get supervisor %s: %w", supervisorID, err)
	}
	if supervisor == nil || !supervisor.Enabled {
		return "", false, nil
	}
	return supervisor.ID, true, nil
}

func (d *KeycloakDirectory) Contact(ctx context.Context, userID string) (*models.Contact, error) {
	user, err := d.client.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user == nil {
		return nil, nil
	}
	return &models.Contact{
		UserID:      userID,
		DisplayName: user.DisplayName(),
		Email:       user.Email,
		Phone:       user.Attribute(d.phoneAttr),
		WebhookURL:  user.Attribute("webhook_url"),
	}, nil
}
