package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/scanner"
	"github.com/TanatPinkeaw/RFID-Project/tracking"
	"github.com/TanatPinkeaw/RFID-Project/uhf"
)

// SessionConfig is read from storage once, when the session is created or restarted.
type SessionConfig struct {
	ScanInterval     time.Duration `json:"scan_interval"`
	DBUpdateInterval time.Duration `json:"db_update_interval"`
	Delay            time.Duration `json:"delay"`
}

// DeviceSession is one connected reader: its worker and the reconciler consuming it.
type DeviceSession struct {
	DeviceID   string
	LocationID int
	Descriptor uhf.Descriptor
	StartedAt  time.Time

	// scanned tags and debounce times, handed from one reconciler to the next on restart
	history *tracking.History

	mu         sync.Mutex
	serial     string
	handle     scanner.Handle
	cancel     context.CancelFunc
	reconciled chan struct{}
	connected  bool
	restarting bool
	// set once the session is unregistered; no worker may be launched after that
	stopped    bool
	cfg        SessionConfig
	lastParams *uhf.Params
}

func (s *DeviceSession) Serial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

// Connected is true while the worker is running and has reported a connection.
func (s *DeviceSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.handle != nil && s.handle.Alive()
}

func (s *DeviceSession) Config() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *DeviceSession) workerHandle() scanner.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// dead reports whether the worker has exited outside of a restart.
func (s *DeviceSession) dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.restarting && s.handle != nil && !s.handle.Alive()
}

func (s *DeviceSession) setConnected(serial string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if serial != "" {
		s.serial = serial
	}
	s.connected = connected
}

// swapParams records p as the last read parameter set and returns the previous one.
func (s *DeviceSession) swapParams(p uhf.Params) *uhf.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastParams
	s.lastParams = &p
	return prev
}

// Info is a snapshot of a session for the control surface.
type Info struct {
	DeviceID   string         `json:"device_id"`
	LocationID int            `json:"location_id"`
	Serial     string         `json:"serial"`
	Descriptor uhf.Descriptor `json:"connection"`
	Connected  bool           `json:"connected"`
	StartedAt  time.Time      `json:"started_at"`
	Config     SessionConfig  `json:"config"`
}

func (s *DeviceSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		DeviceID:   s.DeviceID,
		LocationID: s.LocationID,
		Serial:     s.serial,
		Descriptor: s.Descriptor,
		Connected:  s.connected && s.handle != nil && s.handle.Alive(),
		StartedAt:  s.StartedAt,
		Config:     s.cfg,
	}
}
