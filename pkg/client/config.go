package client

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the engine tuning knobs. Zero values are not usable;
// start from DefaultConfig and override.
type Config struct {
	// Connection
	BackoffBase time.Duration // first reconnect delay
	BackoffCap  time.Duration // maximum reconnect delay
	MaxRetries  int           // failed attempts before giving up
	DialTimeout time.Duration

	// Typing presence
	TypingDebounce  time.Duration // collapse repeated NotifyTyping calls
	TypingStopAfter time.Duration // idle window before auto stop broadcast
	TypingExpiry    time.Duration // remote typing indicator lifetime

	// Out-of-order reply buffering
	ParentBufferSize    int           // max replies held waiting for a parent
	ParentBufferTimeout time.Duration // how long to wait for the parent

	// Channel capacities
	IncomingQueueSize int
	StateQueueSize    int
	ReplySignalSize   int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:         1 * time.Second,
		BackoffCap:          30 * time.Second,
		MaxRetries:          10,
		DialTimeout:         5 * time.Second,
		TypingDebounce:      500 * time.Millisecond,
		TypingStopAfter:     3 * time.Second,
		TypingExpiry:        5 * time.Second,
		ParentBufferSize:    64,
		ParentBufferTimeout: 10 * time.Second,
		IncomingQueueSize:   100,
		StateQueueSize:      10,
		ReplySignalSize:     16,
	}
}

// TOMLConfig is the on-disk representation of Config. Durations are
// expressed in milliseconds so the file stays plain integers.
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Typing     TypingSection     `toml:"typing"`
	Threads    ThreadsSection    `toml:"threads"`
}

type ConnectionSection struct {
	BackoffBaseMs int `toml:"backoff_base_ms"`
	BackoffCapMs  int `toml:"backoff_cap_ms"`
	MaxRetries    int `toml:"max_retries"`
	DialTimeoutMs int `toml:"dial_timeout_ms"`
}

type TypingSection struct {
	DebounceMs  int `toml:"debounce_ms"`
	StopAfterMs int `toml:"stop_after_ms"`
	ExpiryMs    int `toml:"expiry_ms"`
}

type ThreadsSection struct {
	ParentBufferSize      int `toml:"parent_buffer_size"`
	ParentBufferTimeoutMs int `toml:"parent_buffer_timeout_ms"`
}

// LoadConfig reads a TOML config file and overlays it on the defaults.
// A missing file is not an error; it just yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	var fileCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyMs := func(dst *time.Duration, ms int) {
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	applyMs(&cfg.BackoffBase, fileCfg.Connection.BackoffBaseMs)
	applyMs(&cfg.BackoffCap, fileCfg.Connection.BackoffCapMs)
	applyMs(&cfg.DialTimeout, fileCfg.Connection.DialTimeoutMs)
	if fileCfg.Connection.MaxRetries > 0 {
		cfg.MaxRetries = fileCfg.Connection.MaxRetries
	}

	applyMs(&cfg.TypingDebounce, fileCfg.Typing.DebounceMs)
	applyMs(&cfg.TypingStopAfter, fileCfg.Typing.StopAfterMs)
	applyMs(&cfg.TypingExpiry, fileCfg.Typing.ExpiryMs)

	if fileCfg.Threads.ParentBufferSize > 0 {
		cfg.ParentBufferSize = fileCfg.Threads.ParentBufferSize
	}
	applyMs(&cfg.ParentBufferTimeout, fileCfg.Threads.ParentBufferTimeoutMs)

	return cfg, nil
}
