package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	NotificationMovement = "movement"
	NotificationAlert    = "alert"
	NotificationSystem   = "system"

	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

type Notification struct {
	NotifID        int64     `db:"notif_id" json:"notif_id"`
	Type           string    `db:"type" json:"type"`
	Title          string    `db:"title" json:"title"`
	Message        string    `db:"message" json:"message"`
	Priority       string    `db:"priority" json:"priority"`
	AssetID        *int64    `db:"asset_id" json:"asset_id"`
	TagID          *string   `db:"tag_id" json:"tag_id"`
	LocationID     *int      `db:"location_id" json:"location_id"`
	RelatedID      *int64    `db:"related_id" json:"related_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	IsRead         bool      `db:"is_read" json:"is_read"`
	IsAcknowledged bool      `db:"is_acknowledged" json:"is_acknowledged"`
}

type NotificationsTable struct {
	db *sqlx.DB
}

func NewNotificationsTable(db *sqlx.DB) *NotificationsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS notifications_seq;
	CREATE TABLE IF NOT EXISTS notifications (
		notif_id BIGINT PRIMARY KEY DEFAULT nextval('notifications_seq'),
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		asset_id BIGINT,
		tag_id TEXT,
		location_id INTEGER,
		related_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_read BOOLEAN NOT NULL DEFAULT false,
		is_acknowledged BOOLEAN NOT NULL DEFAULT false
	);
	`)
	return &NotificationsTable{db}
}

// Insert stores n and returns it with its ID and creation time filled in.
func (t *NotificationsTable) Insert(n Notification) (Notification, error) {
	err := t.db.QueryRow(`
	INSERT INTO notifications (type, title, message, priority, asset_id, tag_id, location_id, related_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING notif_id, created_at`,
		n.Type, n.Title, n.Message, n.Priority, n.AssetID, n.TagID, n.LocationID, n.RelatedID,
	).Scan(&n.NotifID, &n.CreatedAt)
	return n, err
}

// HasRecentDuplicate is true when a notification of this type whose message contains
// fragment was created at or after since.
func (t *NotificationsTable) HasRecentDuplicate(typ, fragment string, since time.Time) (bool, error) {
	var exists bool
	err := t.db.QueryRow(`SELECT EXISTS(
		SELECT 1 FROM notifications WHERE type=$1 AND created_at >= $3
		AND strpos(message, $2) > 0
	)`, typ, fragment, since).Scan(&exists)
	return exists, err
}

// SelectLatest returns up to limit notifications, newest first.
func (t *NotificationsTable) SelectLatest(limit int) (notifs []Notification, err error) {
	err = t.db.Select(&notifs, `SELECT notif_id, type, title, message, priority, asset_id, tag_id, location_id,
	related_id, created_at, is_read, is_acknowledged
	FROM notifications ORDER BY created_at DESC, notif_id DESC LIMIT $1`, limit)
	return
}
