// Package config loads the daemon configuration from a TOML file,
// falling back to defaults for anything unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mohamedebrahem13/ble-order/bluetooth"
)

type Config struct {
	DeviceName     string
	ScanTimeout    time.Duration
	ReconnectDelay time.Duration
	ChunkDelay     time.Duration
	DBPath         string
	Port           int
	LogFile        string
}

func Default() Config {
	return Config{
		DeviceName:     bluetooth.DefaultDeviceName,
		ScanTimeout:    bluetooth.DefaultScanTimeout,
		ReconnectDelay: bluetooth.DefaultReconnectDelay,
		ChunkDelay:     bluetooth.DefaultChunkDelay,
		DBPath:         "/var/lib/ble-order/orders.db",
		Port:           5000,
		LogFile:        "",
	}
}

type fileConfig struct {
	DeviceName     string `toml:"device_name"`
	ScanTimeout    string `toml:"scan_timeout"`
	ReconnectDelay string `toml:"reconnect_delay"`
	ChunkDelay     string `toml:"chunk_delay"`
	DBPath         string `toml:"db_path"`
	Port           int    `toml:"port"`
	LogFile        string `toml:"log_file"`
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("device_name") {
		if name := strings.TrimSpace(raw.DeviceName); name != "" {
			cfg.DeviceName = name
		}
	}
	if meta.IsDefined("scan_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ScanTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse scan_timeout: %w", err)
		}
		cfg.ScanTimeout = d
	}
	if meta.IsDefined("reconnect_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse reconnect_delay: %w", err)
		}
		cfg.ReconnectDelay = d
	}
	if meta.IsDefined("chunk_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ChunkDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_delay: %w", err)
		}
		cfg.ChunkDelay = d
	}
	if meta.IsDefined("db_path") {
		if p := strings.TrimSpace(raw.DBPath); p != "" {
			cfg.DBPath = p
		}
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	return cfg, nil
}
