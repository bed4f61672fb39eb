package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TanatPinkeaw/RFID-Project/sessions"
	"github.com/TanatPinkeaw/RFID-Project/tracking"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %s", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %s", err)
	}
	if cfg.Locations.Neutral != tracking.DefaultNeutralZone {
		t.Errorf("neutral zone got %d", cfg.Locations.Neutral)
	}
	if cfg.Locations.Name(1) != "factory" {
		t.Errorf("location 1 got %q", cfg.Locations.Name(1))
	}
	if cfg.Workers.StopGrace != sessions.DefaultStopGrace {
		t.Errorf("stop grace got %v", cfg.Workers.StopGrace)
	}
	if cfg.MQTT.TopicPrefix != "rfid" {
		t.Errorf("topic prefix got %q", cfg.MQTT.TopicPrefix)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
locations:
  neutral_zone: 9
  names:
    1: "loading dock"
    9: "yard"
workers:
  in_process: true
  params_timeout: 3s
broadcast:
  heartbeat_interval: 2s
mqtt:
  topic_prefix: site-a
  qos: 1
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %s", err)
	}
	if cfg.Locations.Neutral != 9 || cfg.Locations.Name(9) != "yard" {
		t.Errorf("locations got %+v", cfg.Locations)
	}
	t.Log("Locations missing from the file fall back to their ID.")
	if got := cfg.Locations.Name(2); got != "Location 2" {
		t.Errorf("location 2 got %q", got)
	}
	if !cfg.Workers.InProcess || cfg.Workers.ParamsTimeout != 3*time.Second {
		t.Errorf("workers got %+v", cfg.Workers)
	}
	if cfg.Workers.MonitorInterval != sessions.DefaultMonitorInterval {
		t.Errorf("monitor interval should default, got %v", cfg.Workers.MonitorInterval)
	}
	if cfg.Broadcast.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat got %v", cfg.Broadcast.HeartbeatInterval)
	}
	if cfg.MQTT.TopicPrefix != "site-a" || cfg.MQTT.QoS != 1 {
		t.Errorf("mqtt got %+v", cfg.MQTT)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file should fail")
	}
	if _, err := loadConfig(writeConfig(t, "locations: [1, 2")); err == nil {
		t.Errorf("malformed yaml should fail")
	}
	if _, err := loadConfig(writeConfig(t, "mqtt:\n  qos: 3\n")); err == nil {
		t.Errorf("qos 3 should fail")
	}
}
