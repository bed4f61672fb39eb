package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upDeviceAutoConnect, downDeviceAutoConnect)
}

// Devices that were online when the server last stopped are connected again at startup.
func upDeviceAutoConnect(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE rfid_devices ADD COLUMN IF NOT EXISTS auto_connect BOOLEAN NOT NULL DEFAULT false`)
	if err != nil {
		return fmt.Errorf("failed to add auto_connect: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE rfid_devices SET auto_connect = true WHERE status = 'online'`)
	if err != nil {
		return fmt.Errorf("failed to backfill auto_connect: %w", err)
	}
	ra, _ := res.RowsAffected()
	logger.Info().Int64("num_devices", ra).Msg("enabled auto connect for online devices")
	return nil
}

func downDeviceAutoConnect(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE IF EXISTS rfid_devices DROP COLUMN IF EXISTS auto_connect`)
	return err
}
