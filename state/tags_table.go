package state

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	TagStatusIdle     = "idle"
	TagStatusInUse    = "in_use"
	TagStatusBorrowed = "borrowed"
	TagStatusRemoved  = "removed"
)

// Tag is one row of the tags table. A tag row is created the first time any reader sees
// the code and is only ever moved by the tracker.
type Tag struct {
	TagID             string    `db:"tag_id" json:"tag_id"`
	CurrentLocationID *int      `db:"current_location_id" json:"current_location_id"`
	Status            string    `db:"status" json:"status"`
	AssetID           *int64    `db:"asset_id" json:"asset_id"`
	Authorized        bool      `db:"authorized" json:"authorized"`
	DeviceID          string    `db:"device_id" json:"device_id"`
	FirstSeen         time.Time `db:"first_seen" json:"first_seen"`
	LastSeen          time.Time `db:"last_seen" json:"last_seen"`
}

// AtLocation is true when the tag currently sits at loc.
func (t *Tag) AtLocation(loc int) bool {
	return t.CurrentLocationID != nil && *t.CurrentLocationID == loc
}

type TagsTable struct {
	db *sqlx.DB
}

func NewTagsTable(db *sqlx.DB) *TagsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tags (
		tag_id TEXT NOT NULL PRIMARY KEY,
		current_location_id INTEGER,
		status TEXT NOT NULL DEFAULT 'idle',
		asset_id BIGINT,
		authorized BOOLEAN NOT NULL DEFAULT false,
		device_id TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS tags_location_idx ON tags(current_location_id);
	`)
	return &TagsTable{db}
}

// Select returns the tag or nil if it has never been seen.
func (t *TagsTable) Select(txn *sqlx.Tx, tagID string) (*Tag, error) {
	var tag Tag
	err := txn.Get(&tag, `SELECT tag_id, current_location_id, status, asset_id, authorized, device_id, first_seen, last_seen
	FROM tags WHERE tag_id=$1`, tagID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// Insert creates a tag row. Inserting a code that already exists is a no-op.
func (t *TagsTable) Insert(txn *sqlx.Tx, tag Tag) error {
	_, err := txn.NamedExec(`
	INSERT INTO tags (tag_id, current_location_id, status, asset_id, authorized, device_id, first_seen, last_seen)
	VALUES (:tag_id, :current_location_id, :status, :asset_id, :authorized, :device_id, :first_seen, :last_seen)
	ON CONFLICT (tag_id) DO NOTHING`, tag)
	return err
}

// UpdateLocation moves a tag. Callers must upsert the matching movement in the same txn.
func (t *TagsTable) UpdateLocation(txn *sqlx.Tx, tagID string, locationID int, status, deviceID string, ts time.Time) error {
	_, err := txn.Exec(`UPDATE tags SET current_location_id=$2, status=$3, device_id=$4, last_seen=$5 WHERE tag_id=$1`,
		tagID, locationID, status, deviceID, ts)
	return err
}

// TouchLastSeen records that tags were seen by a device without moving them.
func (t *TagsTable) TouchLastSeen(tagIDs []string, deviceID string, ts time.Time) (int64, error) {
	if len(tagIDs) == 0 {
		return 0, nil
	}
	res, err := t.db.Exec(`UPDATE tags SET last_seen=$3, device_id=$2 WHERE tag_id=ANY($1)`,
		pq.StringArray(tagIDs), deviceID, ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *TagsTable) SetAuthorized(tagID string, authorized bool) error {
	_, err := t.db.Exec(`UPDATE tags SET authorized=$2 WHERE tag_id=$1`, tagID, authorized)
	return err
}

// SelectAtLocation returns the tags currently at a location, ordered by code.
func (t *TagsTable) SelectAtLocation(locationID int) (tags []Tag, err error) {
	err = t.db.Select(&tags, `SELECT tag_id, current_location_id, status, asset_id, authorized, device_id, first_seen, last_seen
	FROM tags WHERE current_location_id=$1 ORDER BY tag_id`, locationID)
	return
}
