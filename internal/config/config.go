package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config (v0)
//
// One YAML file plus environment overrides. Layering is deterministic:
// defaults -> file -> environment. The pipeline tuning knobs accept both
// their bare historical names (TRUNCATE_MAX_LENGTH, QUEUE_CONCURRENCY, ...)
// and the SCHEMASCOPE_-prefixed form; the prefixed form wins when both are
// set. Everything else is prefixed only.

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	QueueDir   string `yaml:"queue_dir"`

	DBDriver string `yaml:"db_driver"` // sqlite3 | postgres
	DBDSN    string `yaml:"db_dsn"`

	LogLevel string `yaml:"log_level"`

	TruncateMaxLength    int      `yaml:"truncate_max_length"`
	TruncateFields       []string `yaml:"truncate_fields"`
	MaxRawSamples        int      `yaml:"max_raw_samples"`
	MaxExamplesPerSchema int      `yaml:"max_examples_per_schema"`

	QueueConcurrency    int `yaml:"queue_concurrency"`
	QueueMaxAttempts    int `yaml:"queue_max_attempts"`
	QueueBackoffDelayMs int `yaml:"queue_backoff_delay_ms"`

	// Ingress returns 503 once queue depth reaches this bound.
	QueueBackpressureDepth int `yaml:"queue_backpressure_depth"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	ClassifierVendorToken string `yaml:"classifier_vendor_token"`
	ClassifierVendorHost  string `yaml:"classifier_vendor_host"`
}

func Default() Config {
	return Config{
		ListenAddr:             ":8080",
		DataDir:                "data/schemas",
		QueueDir:               "data/queue",
		DBDriver:               "sqlite3",
		DBDSN:                  "data/schemascope.db",
		LogLevel:               "info",
		TruncateMaxLength:      100,
		TruncateFields:         []string{"base64", "JPEGThumbnail", "thumbnail", "data", "image"},
		MaxRawSamples:          10,
		MaxExamplesPerSchema:   20,
		QueueConcurrency:       5,
		QueueMaxAttempts:       3,
		QueueBackoffDelayMs:    2000,
		QueueBackpressureDepth: 10000,
		MaxBodyBytes:           5 << 20,
	}
}

// Load reads path (optional) and applies environment overrides. A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envString reads SCHEMASCOPE_<key>, falling back to the bare key when
// bare is set.
func envString(key string, bare bool) (string, bool) {
	if v, ok := os.LookupEnv("SCHEMASCOPE_" + key); ok {
		return v, true
	}
	if bare {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	return "", false
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string, bare bool) {
		if v, ok := envString(key, bare); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string, bare bool) {
		if v, ok := envString(key, bare); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.ListenAddr, "LISTEN_ADDR", false)
	setStr(&c.DataDir, "DATA_DIR", false)
	setStr(&c.QueueDir, "QUEUE_DIR", false)
	setStr(&c.DBDriver, "DB_DRIVER", false)
	setStr(&c.DBDSN, "DB_DSN", false)
	setStr(&c.LogLevel, "LOG_LEVEL", false)
	setStr(&c.ClassifierVendorToken, "CLASSIFIER_VENDOR_TOKEN", false)
	setStr(&c.ClassifierVendorHost, "CLASSIFIER_VENDOR_HOST", false)

	setInt(&c.TruncateMaxLength, "TRUNCATE_MAX_LENGTH", true)
	setInt(&c.MaxRawSamples, "MAX_RAW_SAMPLES", true)
	setInt(&c.MaxExamplesPerSchema, "MAX_EXAMPLES_PER_SCHEMA", true)
	setInt(&c.QueueConcurrency, "QUEUE_CONCURRENCY", true)
	setInt(&c.QueueMaxAttempts, "QUEUE_MAX_ATTEMPTS", true)
	setInt(&c.QueueBackoffDelayMs, "QUEUE_BACKOFF_DELAY_MS", true)
	setInt(&c.QueueBackpressureDepth, "QUEUE_BACKPRESSURE_DEPTH", false)

	if v, ok := envString("TRUNCATE_FIELDS", true); ok {
		var fields []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		c.TruncateFields = fields
	}
	if v, ok := envString("MAX_BODY_BYTES", false); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.MaxBodyBytes = n
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr required", ErrInvalid)
	}
	if strings.TrimSpace(c.DataDir) == "" || strings.TrimSpace(c.QueueDir) == "" {
		return fmt.Errorf("%w: data_dir and queue_dir required", ErrInvalid)
	}
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("%w: db_driver must be sqlite3 or postgres", ErrInvalid)
	}
	if c.TruncateMaxLength <= 0 || c.MaxRawSamples <= 0 || c.MaxExamplesPerSchema <= 0 {
		return fmt.Errorf("%w: pipeline bounds must be positive", ErrInvalid)
	}
	if c.QueueConcurrency <= 0 || c.QueueMaxAttempts <= 0 || c.QueueBackoffDelayMs <= 0 {
		return fmt.Errorf("%w: queue settings must be positive", ErrInvalid)
	}
	if c.QueueBackpressureDepth <= 0 || c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: backpressure depth and body limit must be positive", ErrInvalid)
	}
	return nil
}

// QueueBackoffDelay converts the millisecond knob.
func (c Config) QueueBackoffDelay() time.Duration {
	return time.Duration(c.QueueBackoffDelayMs) * time.Millisecond
}
