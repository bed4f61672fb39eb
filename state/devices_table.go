package state

import (
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is a registered reader. Transport and Address describe how to reach it.
type Device struct {
	DeviceID    string     `db:"device_id" json:"device_id"`
	Serial      string     `db:"serial" json:"serial"`
	Name        string     `db:"name" json:"name"`
	LocationID  int        `db:"location_id" json:"location_id"`
	Transport   string     `db:"connection_type" json:"connection_type"`
	Address     string     `db:"connection_info" json:"connection_info"`
	Status      string     `db:"status" json:"status"`
	LastSeen    *time.Time `db:"last_seen" json:"last_seen"`
	AutoConnect bool       `db:"auto_connect" json:"auto_connect"`
}

type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS rfid_devices (
		device_id TEXT NOT NULL PRIMARY KEY,
		serial TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		location_id INTEGER NOT NULL,
		connection_type TEXT NOT NULL,
		connection_info TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMPTZ,
		auto_connect BOOLEAN NOT NULL DEFAULT false
	);
	`)
	return &DevicesTable{db}
}

// Upsert registers or updates a reader. auto_connect and name are left alone on update so
// operator choices survive reconnects.
func (t *DevicesTable) Upsert(d Device) error {
	if d.Name == "" {
		d.Name = d.DeviceID
	}
	_, err := t.db.NamedExec(`
	INSERT INTO rfid_devices (device_id, serial, name, location_id, connection_type, connection_info, status, last_seen, auto_connect)
	VALUES (:device_id, :serial, :name, :location_id, :connection_type, :connection_info, :status, :last_seen, :auto_connect)
	ON CONFLICT (device_id) DO UPDATE SET
		serial=EXCLUDED.serial,
		location_id=EXCLUDED.location_id,
		connection_type=EXCLUDED.connection_type,
		connection_info=EXCLUDED.connection_info,
		status=EXCLUDED.status,
		last_seen=EXCLUDED.last_seen`, d)
	return err
}

func (t *DevicesTable) SetStatus(deviceID, status string, ts time.Time) error {
	_, err := t.db.Exec(`UPDATE rfid_devices SET status=$2, last_seen=$3 WHERE device_id=$1`, deviceID, status, ts)
	return err
}

func (t *DevicesTable) SetAutoConnect(deviceID string, autoConnect bool) error {
	_, err := t.db.Exec(`UPDATE rfid_devices SET auto_connect=$2 WHERE device_id=$1`, deviceID, autoConnect)
	return err
}

func (t *DevicesTable) Select(deviceID string) (d Device, err error) {
	err = t.db.Get(&d, `SELECT device_id, serial, name, location_id, connection_type, connection_info, status, last_seen, auto_connect
	FROM rfid_devices WHERE device_id=$1`, deviceID)
	return
}

func (t *DevicesTable) SelectAll() (devices []Device, err error) {
	err = t.db.Select(&devices, `SELECT device_id, serial, name, location_id, connection_type, connection_info, status, last_seen, auto_connect
	FROM rfid_devices ORDER BY device_id`)
	return
}

func (t *DevicesTable) SelectAutoConnect() (devices []Device, err error) {
	err = t.db.Select(&devices, `SELECT device_id, serial, name, location_id, connection_type, connection_info, status, last_seen, auto_connect
	FROM rfid_devices WHERE auto_connect ORDER BY device_id`)
	return
}
