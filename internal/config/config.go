package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/vio-bridge/internal/pipe"
	"github.com/banshee-data/vio-bridge/internal/vio"
)

// DefaultConfigPath is the example configuration shipped with the repo.
const DefaultConfigPath = "config/vio-bridge.example.toml"

// BridgeConfig is the root configuration of the bridge process. Optional
// scalar fields are pointers; the Get* methods supply defaults for any
// field left out of the file, so partial configs are safe.
type BridgeConfig struct {
	// Admin HTTP listener ("" disables it).
	Listen *string `json:"listen,omitempty" toml:"listen"`
	// gRPC health listener ("" disables it).
	HealthListen *string `json:"health_listen,omitempty" toml:"health_listen"`

	PollInterval *string `json:"poll_interval,omitempty" toml:"poll_interval"` // duration string like "1s"
	QueueDepth   *int    `json:"queue_depth,omitempty" toml:"queue_depth"`

	Pipes []PipeConfig `json:"pipes" toml:"pipes"`

	Recorder *RecorderConfig `json:"recorder,omitempty" toml:"recorder"`
	Forward  *ForwardConfig  `json:"forward,omitempty" toml:"forward"`
}

// PipeConfig describes one VIO interface.
type PipeConfig struct {
	Name        string           `json:"name" toml:"name"`
	Channel     string           `json:"channel" toml:"channel"`
	AlwaysOn    *bool            `json:"always_on,omitempty" toml:"always_on"`
	ReadBufSize *int             `json:"read_buf_size,omitempty" toml:"read_buf_size"`
	Align       *bool            `json:"align,omitempty" toml:"align"`
	Serial      pipe.PortOptions `json:"serial" toml:"serial"`
}

// RecorderConfig enables the SQLite odometry recorder.
type RecorderConfig struct {
	DBPath        string   `json:"db_path" toml:"db_path"`
	FlushInterval *string  `json:"flush_interval,omitempty" toml:"flush_interval"`
	BatchSize     *int     `json:"batch_size,omitempty" toml:"batch_size"`
	Pipes         []string `json:"pipes,omitempty" toml:"pipes"` // empty records every pipe
}

// ForwardConfig enables the UDP odometry forwarder.
type ForwardConfig struct {
	Address     string  `json:"address" toml:"address"`
	Pipe        string  `json:"pipe" toml:"pipe"`
	LogInterval *string `json:"log_interval,omitempty" toml:"log_interval"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// LoadBridgeConfig loads a BridgeConfig from a .json or .toml file and
// validates it. Unknown keys are rejected.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &BridgeConfig{}
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	if len(c.Pipes) == 0 {
		return fmt.Errorf("at least one pipe must be configured")
	}

	names := make(map[string]bool, len(c.Pipes))
	for i, p := range c.Pipes {
		if err := validName(p.Name); err != nil {
			return fmt.Errorf("pipes[%d]: %w", i, err)
		}
		if names[p.Name] {
			return fmt.Errorf("pipes[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true

		if p.Channel == "" {
			return fmt.Errorf("pipe %q: channel is required", p.Name)
		}
		if p.ReadBufSize != nil && *p.ReadBufSize < vio.RecordSize {
			return fmt.Errorf("pipe %q: read_buf_size must be at least %d, got %d", p.Name, vio.RecordSize, *p.ReadBufSize)
		}
		if strings.HasPrefix(p.Channel, "serial://") {
			if _, err := p.Serial.Normalize(); err != nil {
				return fmt.Errorf("pipe %q: %w", p.Name, err)
			}
		}
	}

	if err := validDuration("poll_interval", c.PollInterval); err != nil {
		return err
	}
	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be positive, got %d", *c.QueueDepth)
	}

	if r := c.Recorder; r != nil {
		if r.DBPath == "" {
			return fmt.Errorf("recorder: db_path is required")
		}
		if err := validDuration("recorder.flush_interval", r.FlushInterval); err != nil {
			return err
		}
		if r.BatchSize != nil && *r.BatchSize < 1 {
			return fmt.Errorf("recorder: batch_size must be positive, got %d", *r.BatchSize)
		}
		for _, name := range r.Pipes {
			if !names[name] {
				return fmt.Errorf("recorder: unknown pipe %q", name)
			}
		}
	}

	if f := c.Forward; f != nil {
		if f.Address == "" {
			return fmt.Errorf("forward: address is required")
		}
		if !names[f.Pipe] {
			return fmt.Errorf("forward: unknown pipe %q", f.Pipe)
		}
		if err := validDuration("forward.log_interval", f.LogInterval); err != nil {
			return err
		}
	}
	return nil
}

// validName accepts names usable as a single topic path segment.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("name %q contains %q", name, r)
		}
	}
	return nil
}

func validDuration(field string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", field, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, *s)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetListen returns the admin listen address or the default.
func (c *BridgeConfig) GetListen() string {
	if c.Listen == nil {
		return "localhost:8090"
	}
	return *c.Listen
}

// GetHealthListen returns the gRPC health listen address. Empty by default.
func (c *BridgeConfig) GetHealthListen() string {
	if c.HealthListen == nil {
		return ""
	}
	return *c.HealthListen
}

// GetPollInterval returns the supervision interval.
func (c *BridgeConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, time.Second)
}

// GetQueueDepth returns the per-subscriber queue depth.
func (c *BridgeConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 16
	}
	return *c.QueueDepth
}

// AlwaysOn returns the set of pipes that publish without subscribers.
func (c *BridgeConfig) AlwaysOn() map[string]bool {
	out := make(map[string]bool)
	for _, p := range c.Pipes {
		if p.GetAlwaysOn() {
			out[p.Name] = true
		}
	}
	return out
}

// GetAlwaysOn returns the always_on value or the default.
func (p PipeConfig) GetAlwaysOn() bool {
	if p.AlwaysOn == nil {
		return false
	}
	return *p.AlwaysOn
}

// GetReadBufSize returns the read buffer size; 0 means the record default.
func (p PipeConfig) GetReadBufSize() int {
	if p.ReadBufSize == nil {
		return 0
	}
	return *p.ReadBufSize
}

// GetAlign reports whether deliveries are held to whole records. Stream
// transports default to true, named pipes to false.
func (p PipeConfig) GetAlign() bool {
	if p.Align != nil {
		return *p.Align
	}
	for _, scheme := range []string{"tcp://", "unix://", "serial://"} {
		if strings.HasPrefix(p.Channel, scheme) {
			return true
		}
	}
	return false
}

// GetFlushInterval returns how often buffered rows are written.
func (r *RecorderConfig) GetFlushInterval() time.Duration {
	return durationOr(r.FlushInterval, time.Second)
}

// GetBatchSize returns how many rows trigger an early flush.
func (r *RecorderConfig) GetBatchSize() int {
	if r.BatchSize == nil {
		return 200
	}
	return *r.BatchSize
}

// Records reports whether the recorder subscribes to the named pipe.
func (r *RecorderConfig) Records(name string) bool {
	if len(r.Pipes) == 0 {
		return true
	}
	for _, p := range r.Pipes {
		if p == name {
			return true
		}
	}
	return false
}

// GetLogInterval returns how often forwarder drops are reported.
func (f *ForwardConfig) GetLogInterval() time.Duration {
	return durationOr(f.LogInterval, time.Minute)
}
