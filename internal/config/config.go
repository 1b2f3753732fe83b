package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath = ".annotrack/config.yaml"
	defaultDBRelPath     = ".annotrack/annotrack.db"
)

// MinShipperGap is the shortest shipper.min_gap a config may set. Code
// that builds a shipper directly may go lower.
const MinShipperGap = 10 * time.Second

type ShipperConfig struct {
	API            string        `yaml:"api"`
	Token          string        `yaml:"token"`
	MinGap         time.Duration `yaml:"min_gap"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	Compress       bool          `yaml:"compress"`
}

type RecorderConfig struct {
	Debug               string   `yaml:"debug"`
	Storage             string   `yaml:"storage"`
	StorageDSN          string   `yaml:"storage_dsn"`
	IgnoreActivities    []string `yaml:"ignore_activities"`
	ImageSurfaceClasses []string `yaml:"image_surface_classes"`
	ScrollbarThreshold  float64  `yaml:"scrollbar_threshold"`
}

type RedactConfig struct {
	Fields      []string `yaml:"fields"`
	Replacement string   `yaml:"replacement"`
}

type CollectorConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	APIRoot    string   `yaml:"api_root"`
	DB         string   `yaml:"db"`
	Tokens     []string `yaml:"tokens"`
	CORSOrigin string   `yaml:"cors_origin"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Shipper   ShipperConfig   `yaml:"shipper"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Redact    RedactConfig    `yaml:"redact"`
	Collector CollectorConfig `yaml:"collector"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads the YAML config, then a .env file in the working
// directory if present, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Shipper.MinGap == 0 {
		c.Shipper.MinGap = MinShipperGap
	}
	if c.Shipper.RequestTimeout == 0 {
		c.Shipper.RequestTimeout = 30 * time.Second
	}
	if c.Shipper.DrainTimeout == 0 {
		c.Shipper.DrainTimeout = 5 * time.Second
	}
	if c.Recorder.Debug == "" {
		c.Recorder.Debug = "off"
	}
	if c.Recorder.Storage == "" {
		c.Recorder.Storage = "memory"
	}
	if len(c.Recorder.ImageSurfaceClasses) == 0 {
		c.Recorder.ImageSurfaceClasses = []string{"h-image-view-container", "geojs-map"}
	}
	if c.Recorder.ScrollbarThreshold == 0 {
		c.Recorder.ScrollbarThreshold = 4
	}
	if c.Redact.Replacement == "" {
		c.Redact.Replacement = "***REDACTED***"
	}
	if c.Collector.Host == "" {
		c.Collector.Host = "127.0.0.1"
	}
	if c.Collector.Port == 0 {
		c.Collector.Port = 8080
	}
	if c.Collector.APIRoot == "" {
		c.Collector.APIRoot = "/api/v1"
	}
	if c.Collector.DB == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Collector.DB = filepath.Join(home, defaultDBRelPath)
		} else {
			c.Collector.DB = "annotrack.db"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Shipper.MinGap < MinShipperGap {
		return fmt.Errorf("shipper.min_gap must be at least %s, got %s", MinShipperGap, c.Shipper.MinGap)
	}
	if _, err := ParseDebug(c.Recorder.Debug); err != nil {
		return fmt.Errorf("recorder.debug: %w", err)
	}
	switch c.Recorder.Storage {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Recorder.StorageDSN) == "" {
			return errors.New("recorder.storage_dsn is required for sqlite storage")
		}
	default:
		return fmt.Errorf("recorder.storage: unknown backend %q", c.Recorder.Storage)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

// ValidateReplay enforces replay-specific requirements.
func (c *Config) ValidateReplay() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Shipper.API) == "" {
		return errors.New("shipper.api cannot be empty")
	}
	if _, err := url.Parse(c.Shipper.API); err != nil {
		return fmt.Errorf("shipper.api: %w", err)
	}
	return nil
}

// ValidateServe enforces collector-specific requirements.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Collector.Port <= 0 || c.Collector.Port > 65535 {
		return fmt.Errorf("collector.port out of range: %d", c.Collector.Port)
	}
	if !strings.HasPrefix(c.Collector.APIRoot, "/") {
		return errors.New("collector.api_root must start with /")
	}
	return os.MkdirAll(filepath.Dir(c.Collector.DB), 0o755)
}

// DebugSetting is the parsed form of recorder.debug: Enabled false
// disables introspection, Every zero logs every entry, otherwise at
// most one entry per activity kind is shown per Every.
type DebugSetting struct {
	Enabled bool
	Every   time.Duration
}

// ParseDebug accepts "off"/"false", "all"/"true", or a positive
// duration ("2s") or millisecond count ("500").
func ParseDebug(v string) (DebugSetting, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "off", "false":
		return DebugSetting{}, nil
	case "all", "true", "on":
		return DebugSetting{Enabled: true}, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		if ms <= 0 {
			return DebugSetting{}, nil
		}
		return DebugSetting{Enabled: true, Every: time.Duration(ms) * time.Millisecond}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return DebugSetting{}, fmt.Errorf("invalid debug value %q", v)
	}
	if d <= 0 {
		return DebugSetting{}, nil
	}
	return DebugSetting{Enabled: true, Every: d}, nil
}

func applyEnvOverrides(c *Config) {
	setString(&c.Shipper.API, "ANNOTRACK_SHIPPER_API")
	setString(&c.Shipper.Token, "ANNOTRACK_SHIPPER_TOKEN")
	setDuration(&c.Shipper.MinGap, "ANNOTRACK_SHIPPER_MIN_GAP")
	setBool(&c.Shipper.Compress, "ANNOTRACK_SHIPPER_COMPRESS")
	setString(&c.Recorder.Debug, "ANNOTRACK_RECORDER_DEBUG")
	setString(&c.Recorder.Storage, "ANNOTRACK_RECORDER_STORAGE")
	setString(&c.Recorder.StorageDSN, "ANNOTRACK_RECORDER_STORAGE_DSN")
	setString(&c.Collector.Host, "ANNOTRACK_COLLECTOR_HOST")
	setInt(&c.Collector.Port, "ANNOTRACK_COLLECTOR_PORT")
	setString(&c.Collector.DB, "ANNOTRACK_COLLECTOR_DB")
	setString(&c.Log.Level, "ANNOTRACK_LOG_LEVEL")
	setString(&c.Log.File, "ANNOTRACK_LOG_FILE")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
