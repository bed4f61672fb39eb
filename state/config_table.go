package state

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// Keys read when a session is created.
const (
	ConfigScanInterval     = "SCAN_INTERVAL"
	ConfigDBUpdateInterval = "DB_UPDATE_INTERVAL"
	ConfigDelaySeconds     = "DELAY_SECONDS"
)

// ConfigTable holds runtime settings: per-device overrides in device_configs and
// fleet-wide defaults in system_config. Values are stored as text.
type ConfigTable struct {
	db *sqlx.DB
}

func NewConfigTable(db *sqlx.DB) *ConfigTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS device_configs (
		device_id TEXT NOT NULL,
		config_key TEXT NOT NULL,
		config_value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(device_id, config_key)
	);
	CREATE TABLE IF NOT EXISTS system_config (
		config_key TEXT NOT NULL PRIMARY KEY,
		config_value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`)
	return &ConfigTable{db}
}

func (t *ConfigTable) DeviceValue(deviceID, key string) (value string, ok bool, err error) {
	err = t.db.QueryRow(`SELECT config_value FROM device_configs WHERE device_id=$1 AND config_key=$2`, deviceID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

func (t *ConfigTable) SetDeviceValue(deviceID, key, value string) error {
	_, err := t.db.Exec(`INSERT INTO device_configs (device_id, config_key, config_value) VALUES ($1, $2, $3)
	ON CONFLICT (device_id, config_key) DO UPDATE SET config_value=EXCLUDED.config_value, updated_at=now()`,
		deviceID, key, value)
	return err
}

// DeviceValues returns every override stored for a device.
func (t *ConfigTable) DeviceValues(deviceID string) (map[string]string, error) {
	rows, err := t.db.Query(`SELECT config_key, config_value FROM device_configs WHERE device_id=$1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (t *ConfigTable) SystemValue(key string) (value string, ok bool, err error) {
	err = t.db.QueryRow(`SELECT config_value FROM system_config WHERE config_key=$1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

func (t *ConfigTable) SetSystemValue(key, value string) error {
	_, err := t.db.Exec(`INSERT INTO system_config (config_key, config_value) VALUES ($1, $2)
	ON CONFLICT (config_key) DO UPDATE SET config_value=EXCLUDED.config_value, updated_at=now()`, key, value)
	return err
}

// Seconds resolves a setting expressed in (possibly fractional) seconds. A device
// override wins over the system value, which wins over def. Unparseable or negative
// values fall through to the next level.
func (t *ConfigTable) Seconds(deviceID, key string, def time.Duration) (time.Duration, error) {
	if deviceID != "" {
		v, ok, err := t.DeviceValue(deviceID, key)
		if err != nil {
			return def, err
		}
		if d, parsed := parseSeconds(v); ok && parsed {
			return d, nil
		}
	}
	v, ok, err := t.SystemValue(key)
	if err != nil {
		return def, err
	}
	if d, parsed := parseSeconds(v); ok && parsed {
		return d, nil
	}
	return def, nil
}

func parseSeconds(v string) (time.Duration, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}
