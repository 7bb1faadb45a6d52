// Package config loads the catalog-watch settings from an optional YAML
// file overlaid by MARKET_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-market-sync/logging"
)

// Realtime sources.
const (
	SourcePostgres = "postgres"
	SourceSSE      = "sse"
	SourceWS       = "ws"
)

type Config struct {
	DatabaseURL   string `yaml:"database_url"`
	Migrate       bool   `yaml:"migrate"`
	LocalPath     string `yaml:"local_path"`
	ListingsTable string `yaml:"listings_table,omitempty"`

	Storage   StorageConfig   `yaml:"storage"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Log logging.Config `yaml:"log"`
}

// StorageConfig locates the image bucket. An empty URL disables uploads.
type StorageConfig struct {
	URL        string  `yaml:"url,omitempty"`
	Bucket     string  `yaml:"bucket,omitempty"`
	Key        string  `yaml:"key,omitempty"`
	UploadRate float64 `yaml:"upload_rate,omitempty"`
}

// RealtimeConfig selects where change events come from. The postgres
// source LISTENs on the database itself; sse and ws need a gateway URL.
type RealtimeConfig struct {
	Source string `yaml:"source"`
	URL    string `yaml:"url,omitempty"`
	Token  string `yaml:"token,omitempty"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
	Multiplier   float64       `yaml:"multiplier,omitempty"`
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.LocalPath == "" {
		c.LocalPath = "market.db"
	}
	if c.ListingsTable == "" {
		c.ListingsTable = "listings"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "itemimgs"
	}
	if c.Storage.UploadRate == 0 {
		c.Storage.UploadRate = 2
	}
	c.Realtime.Source = strings.ToLower(strings.TrimSpace(c.Realtime.Source))
	if c.Realtime.Source == "" {
		c.Realtime.Source = SourcePostgres
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2
	}
	if c.Log.Environment == "" {
		c.Log.Environment = logging.EnvProduction
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Load reads path (skipped when empty), applies the environment and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer f.Close()
		if err := c.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML without consulting the environment.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := c.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	c.setDefaults()
	return c, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, "MARKET_DATABASE_URL")
	setString(&c.LocalPath, "MARKET_LOCAL_PATH")
	setString(&c.Storage.URL, "MARKET_STORAGE_URL")
	setString(&c.Storage.Bucket, "MARKET_STORAGE_BUCKET")
	setString(&c.Storage.Key, "MARKET_STORAGE_KEY")
	setString(&c.Realtime.Source, "MARKET_REALTIME_SOURCE")
	setString(&c.Realtime.URL, "MARKET_REALTIME_URL")
	setString(&c.Realtime.Token, "MARKET_REALTIME_TOKEN")
	setString(&c.MetricsAddr, "MARKET_METRICS_ADDR")
	c.Log = logging.ApplyEnv(c.Log)

	if v := os.Getenv("MARKET_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MARKET_MIGRATE: %w", err)
		}
		c.Migrate = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required (MARKET_DATABASE_URL)"))
	}
	switch c.Realtime.Source {
	case SourcePostgres:
	case SourceSSE, SourceWS:
		if err := checkURL(c.Realtime.URL); err != nil {
			errs = append(errs, fmt.Errorf("realtime.url: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("realtime.source %q must be one of postgres, sse, ws", c.Realtime.Source))
	}
	if c.Storage.URL != "" {
		if err := checkURL(c.Storage.URL); err != nil {
			errs = append(errs, fmt.Errorf("storage.url: %w", err))
		}
	}
	if c.Storage.UploadRate < 0 {
		errs = append(errs, errors.New("storage.upload_rate must not be negative"))
	}
	if c.Reconnect.InitialDelay < 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 <= initial_delay <= max_delay"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
