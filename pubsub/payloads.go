package pubsub

import (
	"encoding/json"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/state"
)

const (
	TypeTagUpdate             = "tag_update"
	TypeMovementUpdate        = "movement_update"
	TypeNotification          = "notification"
	TypeAssetUpdate           = "asset_update"
	TypeHeartbeat             = "heartbeat"
	TypeConnectionEstablished = "connection_established"
	TypeDeviceStatus          = "device_status"
	TypeScanResult            = "scan_result"
)

// Payloads without a Timestamp field are stamped with the delivery time.

type TagUpdate struct {
	TagID      string `json:"tag_id"`
	LocationID *int   `json:"location_id"`
	Status     string `json:"status"`
	DeviceID   string `json:"device_id"`
	EventType  string `json:"event_type,omitempty"`
	Authorized bool   `json:"authorized"`
}

func (TagUpdate) Type() string { return TypeTagUpdate }

type MovementUpdate struct {
	MovementID     int64     `json:"movement_id"`
	TagID          string    `json:"tag_id"`
	FromLocationID *int      `json:"from_location_id"`
	ToLocationID   int       `json:"to_location_id"`
	EventType      string    `json:"event_type"`
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
}

func (MovementUpdate) Type() string { return TypeMovementUpdate }

type Notification struct {
	Data state.Notification `json:"data"`
}

func (Notification) Type() string { return TypeNotification }

const AssetActionMoved = "moved"

type AssetUpdate struct {
	AssetID int64           `json:"asset_id"`
	TagID   string          `json:"tag_id,omitempty"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (AssetUpdate) Type() string { return TypeAssetUpdate }

type Heartbeat struct {
	ServerTime        time.Time `json:"server_time"`
	ActiveConnections int       `json:"active_connections"`
}

func (Heartbeat) Type() string { return TypeHeartbeat }

type ConnectionEstablished struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

func (ConnectionEstablished) Type() string { return TypeConnectionEstablished }

type DeviceStatus struct {
	DeviceID   string `json:"device_id"`
	LocationID int    `json:"location_id"`
	Status     string `json:"status"`
	Serial     string `json:"serial,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Priority   string `json:"priority"`
}

func (DeviceStatus) Type() string { return TypeDeviceStatus }

// NewDeviceStatus builds a device status payload. Going offline is high priority.
func NewDeviceStatus(deviceID string, locationID int, status, reason string) *DeviceStatus {
	priority := state.PriorityNormal
	if status == state.DeviceOffline {
		priority = state.PriorityHigh
	}
	return &DeviceStatus{
		DeviceID:   deviceID,
		LocationID: locationID,
		Status:     status,
		Reason:     reason,
		Priority:   priority,
	}
}

type ScanResult struct {
	DeviceID   string    `json:"device_id"`
	LocationID int       `json:"location_id"`
	Tags       []string  `json:"tags"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
}

func (ScanResult) Type() string { return TypeScanResult }
