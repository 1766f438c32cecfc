// Package notifications persists in-app notifications and their read state.
package notifications

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/models"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Filter narrows a recipient's notification list.
type Filter struct {
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store is the Postgres-backed notification store. Notifications are never deleted.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:    db,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Create inserts a notification unless one already exists for the same
// (event, trigger, recipient). The second return reports whether a row was written.
func (s *Store) Create(ctx context.Context, n models.Notification) (*models.Notification, bool, error) {
	if n.RecipientID == "" || n.EventRef == "" || n.SourceTriggerID == "" {
		return nil, false, apperrors.NewNotificationStoreFailedError(
			errors.New("recipientId, eventRef and sourceTriggerId are required"))
	}

	n.ID = s.newID()
	n.CreatedAt = s.now().UTC()
	n.IsRead = false
	n.ReadAt = nil

	const insert = `
		INSERT INTO notifications
			(id, recipient_id, title, message, category, source_trigger_id, event_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_ref, source_trigger_id, recipient_id) DO NOTHING
		RETURNING id`

	var id string
	err := s.db.QueryRowContext(ctx, insert,
		n.ID, n.RecipientID, n.Title, n.Message, n.Category, n.SourceTriggerID, n.EventRef, n.CreatedAt,
	).Scan(&id)
	if err == nil {
		return &n, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, apperrors.NewNotificationStoreFailedError(err)
	}

	existing, err := s.findByKey(ctx, n.EventRef, n.SourceTriggerID, n.RecipientID)
	if err != nil {
		return nil, false, apperrors.NewNotificationStoreFailedError(err)
	}
	return existing, false, nil
}

const selectColumns = `id, recipient_id, title, message, category, source_trigger_id, event_ref, created_at, read_at`

func (s *Store) findByKey(ctx context.Context, eventRef, triggerID, recipientID string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM notifications
		WHERE event_ref = $1 AND source_trigger_id = $2 AND recipient_id = $3`,
		eventRef, triggerID, recipientID)
	return scanNotification(row)
}

// Get returns one notification.
func (s *Store) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewNotificationStoreFailedError(err)
	}
	return n, nil
}

// List returns a recipient's notifications, newest first.
func (s *Store) List(ctx context.Context, recipientID string, f Filter) ([]models.Notification, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + selectColumns + ` FROM notifications WHERE recipient_id = $1`
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, apperrors.NewNotificationStoreFailedError(err)
	}
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperrors.NewNotificationStoreFailedError(err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewNotificationStoreFailedError(err)
	}
	return out, nil
}

// UnreadCount is the number of unread notifications for a recipient.
func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read_at IS NULL`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, apperrors.NewNotificationStoreFailedError(err)
	}
	return count, nil
}

// MarkRead marks one notification read. Marking an already-read notification is a no-op.
func (s *Store) MarkRead(ctx context.Context, id, recipientID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_id = $2`,
		id, recipientID, s.now().UTC())
	if err != nil {
		return apperrors.NewNotificationStoreFailedError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewNotificationStoreFailedError(err)
	}
	if n == 0 {
		return apperrors.NewNotificationNotFoundError(id)
	}
	return nil
}

// MarkAllRead marks every notification created up to now as read in one
// statement. Notifications created after the cutoff stay unread.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string) (int64, time.Time, error) {
	cutoff := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = $2
		WHERE recipient_id = $1 AND read_at IS NULL AND created_at <= $2`,
		recipientID, cutoff)
	if err != nil {
		return 0, cutoff, apperrors.NewNotificationStoreFailedError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cutoff, apperrors.NewNotificationStoreFailedError(err)
	}
	return n, cutoff, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*models.Notification, error) {
	var n models.Notification
	var title, category sql.NullString
	var readAt sql.NullTime
	if err := row.Scan(&n.ID, &n.RecipientID, &title, &n.Message, &category,
		&n.SourceTriggerID, &n.EventRef, &n.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	n.Title = title.String
	n.Category = category.String
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
		n.IsRead = true
	}
	return &n, nil
}
