package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Scaling     ScalingConfig     `yaml:"scaling"`
	Sink        SinkConfig        `yaml:"sink"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // Streaming read timeout
	AckTimeout  time.Duration `yaml:"ack_timeout"`  // Bound on waiting for a command echo
}

// AcquisitionConfig describes what the device is asked to stream.
type AcquisitionConfig struct {
	SampleRate     int    `yaml:"sample_rate"` // Hz per channel
	Channels       int    `yaml:"channels"`    // 1 (A) or 2 (A+B)
	Resolution     string `yaml:"resolution"`  // "low" (8 bit) or "macro" (12 bit)
	FrameToken     uint8  `yaml:"frame_token"`
	TriggerHigh    uint16 `yaml:"trigger_high"`
	TriggerLow     uint16 `yaml:"trigger_low"`
	ChunkSize      int    `yaml:"chunk_size"`       // Bytes per device read
	StrictFraming  bool   `yaml:"strict_framing"`   // Reject 2 channel low res chunks with bad tokens
	Idle           string `yaml:"idle"`             // Processor idle policy: "spin" or "park"
	QueueWarnDepth int    `yaml:"queue_warn_depth"` // Warn when this many chunks are pending (0 = never)
}

// ScalingConfig contains the calibration of decoded samples.
type ScalingConfig struct {
	ToLow     float64 `yaml:"to_low"`
	ToHigh    float64 `yaml:"to_high"`
	UnitScale float64 `yaml:"unit_scale"` // Output unit multiplier (1e6 = micro-units)
	Precision *int    `yaml:"precision"`  // Decimal digits kept
}

// SinkConfig selects where scaled samples go.
type SinkConfig struct {
	Type  string          `yaml:"type"` // "file", "redis", "both" or "discard"
	File  FileSinkConfig  `yaml:"file"`
	Redis RedisSinkConfig `yaml:"redis"`
}

// FileSinkConfig contains the text file sink configuration.
type FileSinkConfig struct {
	Path       string `yaml:"path"`
	Format     string `yaml:"format"`     // "values" or "indexed"
	Timestamps bool   `yaml:"timestamps"` // Write a timestamp line before each chunk
}

// RedisSinkConfig contains the publish sink configuration.
type RedisSinkConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	MaxPoints    int           `yaml:"max_points"`    // Decimate each chunk to this many points (0 = all)
	Reduce       string        `yaml:"reduce"`        // "pick" or "mean"
	HistoryKey   string        `yaml:"history_key"`   // List receiving a copy of each message ("" = none)
	HistoryLen   int           `yaml:"history_len"`   // Messages kept in the history list
	WriteTimeout time.Duration `yaml:"write_timeout"` // Bound on a single publish
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // "text" or "json"
	Output   string `yaml:"output"` // "stderr" or "file"
	FilePath string `yaml:"file_path"`
}

// MetricsConfig contains the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	WaveFrequency float64 `yaml:"wave_frequency"` // Hz
	Amplitude     float64 `yaml:"amplitude"`      // Fraction of full scale (0..1)
	Noise         float64 `yaml:"noise"`          // Fraction of full scale
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	precision := 1

	return &Config{
		Serial: SerialConfig{
			Port:        "/dev/ttyUSB0",
			BaudRate:    115200,
			ReadTimeout: time.Second,
			AckTimeout:  time.Second,
		},
		Acquisition: AcquisitionConfig{
			SampleRate:  100000,
			Channels:    1,
			Resolution:  "macro",
			FrameToken:  0xaf,
			TriggerHigh: 0xb25a,
			TriggerLow:  0x1b35,
			ChunkSize:   44000,
			Idle:        "spin",
		},
		Scaling: ScalingConfig{
			ToLow:     -5.0,
			ToHigh:    5.0,
			UnitScale: 1e6,
			Precision: &precision,
		},
		Sink: SinkConfig{
			Type: "file",
			File: FileSinkConfig{
				Path:   "dump.txt",
				Format: "values",
			},
			Redis: RedisSinkConfig{
				Addr:         "localhost:6379",
				Channel:      "/AcousticSensor",
				Reduce:       "pick",
				HistoryLen:   1000,
				WriteTimeout: 2 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Mock: MockConfig{
			WaveFrequency: 1000,
			Amplitude:     0.8,
			Noise:         0.01,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports settings that cannot work regardless of the device.
// Device register ranges are checked when the device is configured.
func (c *Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.Serial.BaudRate)
	}
	if c.Serial.ReadTimeout <= 0 || c.Serial.AckTimeout <= 0 {
		return fmt.Errorf("serial timeouts must be positive")
	}
	if c.Acquisition.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", c.Acquisition.ChunkSize)
	}
	switch c.Acquisition.Idle {
	case "spin", "park":
	default:
		return fmt.Errorf("invalid idle policy %q (want spin or park)", c.Acquisition.Idle)
	}
	if c.Acquisition.QueueWarnDepth < 0 {
		return fmt.Errorf("invalid queue warn depth: %d", c.Acquisition.QueueWarnDepth)
	}
	switch c.Sink.Type {
	case "file", "redis", "both", "discard":
	default:
		return fmt.Errorf("invalid sink type %q", c.Sink.Type)
	}
	switch c.Sink.File.Format {
	case "values", "indexed":
	default:
		return fmt.Errorf("invalid file format %q", c.Sink.File.Format)
	}
	switch c.Sink.Redis.Reduce {
	case "pick", "mean":
	default:
		return fmt.Errorf("invalid redis reduce mode %q", c.Sink.Redis.Reduce)
	}
	if c.Sink.Redis.MaxPoints < 0 {
		return fmt.Errorf("invalid redis max points: %d", c.Sink.Redis.MaxPoints)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.AckTimeout == 0 {
		c.Serial.AckTimeout = def.Serial.AckTimeout
	}

	if c.Acquisition.SampleRate == 0 {
		c.Acquisition.SampleRate = def.Acquisition.SampleRate
	}
	if c.Acquisition.Channels == 0 {
		c.Acquisition.Channels = def.Acquisition.Channels
	}
	if c.Acquisition.Resolution == "" {
		c.Acquisition.Resolution = def.Acquisition.Resolution
	}
	// Frame token and trigger registers may legitimately be zero; Load
	// starts from Default so omitted ones already hold the defaults.
	if c.Acquisition.ChunkSize == 0 {
		c.Acquisition.ChunkSize = def.Acquisition.ChunkSize
	}
	if c.Acquisition.Idle == "" {
		c.Acquisition.Idle = def.Acquisition.Idle
	}

	if c.Scaling.ToLow == 0 && c.Scaling.ToHigh == 0 {
		c.Scaling.ToLow = def.Scaling.ToLow
		c.Scaling.ToHigh = def.Scaling.ToHigh
	}
	if c.Scaling.UnitScale == 0 {
		c.Scaling.UnitScale = def.Scaling.UnitScale
	}
	if c.Scaling.Precision == nil {
		c.Scaling.Precision = def.Scaling.Precision
	}

	if c.Sink.Type == "" {
		c.Sink.Type = def.Sink.Type
	}
	if c.Sink.File.Path == "" {
		c.Sink.File.Path = def.Sink.File.Path
	}
	if c.Sink.File.Format == "" {
		c.Sink.File.Format = def.Sink.File.Format
	}
	if c.Sink.Redis.Addr == "" {
		c.Sink.Redis.Addr = def.Sink.Redis.Addr
	}
	if c.Sink.Redis.Channel == "" {
		c.Sink.Redis.Channel = def.Sink.Redis.Channel
	}
	if c.Sink.Redis.Reduce == "" {
		c.Sink.Redis.Reduce = def.Sink.Redis.Reduce
	}
	if c.Sink.Redis.HistoryLen == 0 {
		c.Sink.Redis.HistoryLen = def.Sink.Redis.HistoryLen
	}
	if c.Sink.Redis.WriteTimeout == 0 {
		c.Sink.Redis.WriteTimeout = def.Sink.Redis.WriteTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.Output == "" {
		c.Log.Output = def.Log.Output
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = def.Metrics.Addr
	}

	if c.Mock.WaveFrequency == 0 {
		c.Mock.WaveFrequency = def.Mock.WaveFrequency
	}
	if c.Mock.Amplitude == 0 {
		c.Mock.Amplitude = def.Mock.Amplitude
	}
}
