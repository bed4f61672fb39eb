package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	EventEnter  = "enter"
	EventExit   = "exit"
	EventMove   = "move"
	EventBorrow = "borrow"
	EventReturn = "return"
)

// OperatorSystem is recorded on every movement produced by a reader.
const OperatorSystem = "system"

type Movement struct {
	MovementID     int64     `db:"movement_id" json:"movement_id"`
	TagID          string    `db:"tag_id" json:"tag_id"`
	FromLocationID *int      `db:"from_location_id" json:"from_location_id"`
	ToLocationID   int       `db:"to_location_id" json:"to_location_id"`
	EventType      string    `db:"event_type" json:"event_type"`
	Timestamp      time.Time `db:"ts" json:"timestamp"`
	Operator       string    `db:"operator" json:"operator"`
}

// MovementsTable keeps the latest movement of each tag into each location. Re-entering a
// location overwrites the earlier row rather than appending.
type MovementsTable struct {
	db *sqlx.DB
}

func NewMovementsTable(db *sqlx.DB) *MovementsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS movements_seq;
	CREATE TABLE IF NOT EXISTS movements (
		movement_id BIGINT PRIMARY KEY DEFAULT nextval('movements_seq'),
		tag_id TEXT NOT NULL,
		from_location_id INTEGER,
		to_location_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		operator TEXT NOT NULL DEFAULT 'system'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS movements_tag_to_idx ON movements(tag_id, to_location_id);
	`)
	return &MovementsTable{db}
}

// Upsert inserts the movement, or merges it into the existing row for the same tag and
// destination. Returns the row's ID.
func (t *MovementsTable) Upsert(txn *sqlx.Tx, m Movement) (id int64, err error) {
	if m.Operator == "" {
		m.Operator = OperatorSystem
	}
	err = txn.QueryRow(`
	INSERT INTO movements (tag_id, from_location_id, to_location_id, event_type, ts, operator)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (tag_id, to_location_id) DO UPDATE SET
		from_location_id=EXCLUDED.from_location_id,
		event_type=EXCLUDED.event_type,
		ts=EXCLUDED.ts,
		operator=EXCLUDED.operator
	RETURNING movement_id`,
		m.TagID, m.FromLocationID, m.ToLocationID, m.EventType, m.Timestamp, m.Operator,
	).Scan(&id)
	return
}

// SelectByTag returns a tag's movements, most recent first.
func (t *MovementsTable) SelectByTag(tagID string) (movements []Movement, err error) {
	err = t.db.Select(&movements, `SELECT movement_id, tag_id, from_location_id, to_location_id, event_type, ts, operator
	FROM movements WHERE tag_id=$1 ORDER BY ts DESC, movement_id DESC`, tagID)
	return
}
