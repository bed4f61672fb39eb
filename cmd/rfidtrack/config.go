package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TanatPinkeaw/RFID-Project/broadcast"
	"github.com/TanatPinkeaw/RFID-Project/sessions"
	"github.com/TanatPinkeaw/RFID-Project/tracking"
)

// Config is the optional YAML file named by RFID_CONFIG. Everything has a default, so
// the file only needs the keys a site wants to change.
type Config struct {
	Locations tracking.Locations `yaml:"locations"`
	Workers   WorkersConfig      `yaml:"workers"`
	Broadcast broadcast.Config   `yaml:"broadcast"`
	MQTT      MQTTConfig         `yaml:"mqtt"`
}

type WorkersConfig struct {
	// Run device workers as goroutines instead of child processes.
	InProcess          bool          `yaml:"in_process"`
	StopGrace          time.Duration `yaml:"stop_grace"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	ParamsTimeout      time.Duration `yaml:"params_timeout"`
	AutoConnectWorkers int           `yaml:"auto_connect_workers"`
}

type MQTTConfig struct {
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	def := tracking.DefaultLocations()
	if c.Locations.Neutral == 0 {
		c.Locations.Neutral = def.Neutral
	}
	if len(c.Locations.Names) == 0 {
		c.Locations.Names = def.Names
	}
	if c.Workers.StopGrace <= 0 {
		c.Workers.StopGrace = sessions.DefaultStopGrace
	}
	if c.Workers.MonitorInterval <= 0 {
		c.Workers.MonitorInterval = sessions.DefaultMonitorInterval
	}
	if c.Workers.ParamsTimeout <= 0 {
		c.Workers.ParamsTimeout = sessions.DefaultParamsTimeout
	}
	if c.Workers.AutoConnectWorkers <= 0 {
		c.Workers.AutoConnectWorkers = sessions.DefaultAutoConnectWorkers
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "rfid"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "rfidtrack"
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
