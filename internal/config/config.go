package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`

	// Ordered check-in step list. Steps may only advance forward.
	Steps []string `json:"steps"`

	IdleAfterSec        int `json:"idle_after_sec"`
	SteppedAwayAfterSec int `json:"stepped_away_after_sec"`
	TypingDebounceSec   int `json:"typing_debounce_sec"`
	MaxTurnDurationSec  int `json:"max_turn_duration_sec"`
	NoteLockTTLMin      int `json:"note_lock_ttl_min"`
	SessionTimeoutMin   int `json:"session_timeout_min"`
	AbandonAfterMin     int `json:"abandon_after_min"`
	TickIntervalSec     int `json:"tick_interval_sec"`
	EventReplayWindow   int `json:"event_replay_window"`
}

// DefaultSteps is the step sequence used when none is configured.
var DefaultSteps = []string{"warm_up", "discussion", "planning", "close"}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if len(b.Steps) == 0 {
		b.Steps = append([]string(nil), DefaultSteps...)
	}
	if b.IdleAfterSec <= 0 {
		b.IdleAfterSec = 120
	}
	if b.SteppedAwayAfterSec <= 0 {
		b.SteppedAwayAfterSec = 600
	}
	if b.TypingDebounceSec <= 0 {
		b.TypingDebounceSec = 3
	}
	if b.MaxTurnDurationSec <= 0 {
		b.MaxTurnDurationSec = 300
	}
	if b.NoteLockTTLMin <= 0 {
		b.NoteLockTTLMin = 5
	}
	if b.SessionTimeoutMin <= 0 {
		b.SessionTimeoutMin = 30
	}
	if b.AbandonAfterMin <= 0 {
		b.AbandonAfterMin = 30
	}
	if b.TickIntervalSec <= 0 {
		b.TickIntervalSec = 1
	}
	if b.EventReplayWindow <= 0 {
		b.EventReplayWindow = 64
	}
}
