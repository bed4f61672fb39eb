package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upMovementsUnique, downMovementsUnique)
}

// Databases created before movements were merged per destination can hold several rows
// for the same (tag_id, to_location_id). Keep the newest of each and add the unique index
// the upsert relies on.
func upMovementsUnique(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
	DELETE FROM movements m
	USING movements newer
	WHERE m.tag_id = newer.tag_id
	  AND m.to_location_id = newer.to_location_id
	  AND (m.ts, m.movement_id) < (newer.ts, newer.movement_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to delete duplicate movements: %w", err)
	}
	ra, _ := res.RowsAffected()
	logger.Info().Int64("num_deleted", ra).Msg("collapsed duplicate movements")

	_, err = tx.ExecContext(ctx, `
	CREATE UNIQUE INDEX IF NOT EXISTS movements_tag_to_idx ON movements(tag_id, to_location_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create unique movement index: %w", err)
	}
	return nil
}

func downMovementsUnique(ctx context.Context, tx *sql.Tx) error {
	// the deleted duplicates cannot be restored
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS movements_tag_to_idx`)
	return err
}
