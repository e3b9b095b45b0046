// Package config loads process configuration for every quarry run mode.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// QUARRY_* environment variables. Command-line flags are applied last by the
// caller. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultStorageRoot is the well-known directory dedicated to cluster storage.
	DefaultStorageRoot = "/var/quarry/storage"
	// DefaultListen binds every interface on a kernel-chosen port.
	DefaultListen = ":0"
	// DefaultAdmin keeps the master's operator endpoints on loopback.
	DefaultAdmin     = "127.0.0.1:7600"
	DefaultHeartbeat = 5 * time.Second
)

// Environment variables consulted by Load.
const (
	EnvListen      = "QUARRY_LISTEN"
	EnvAdvertise   = "QUARRY_ADVERTISE"
	EnvAdmin       = "QUARRY_ADMIN"
	EnvStorageRoot = "QUARRY_STORAGE_ROOT"
	EnvHeartbeat   = "QUARRY_HEARTBEAT"
	EnvLogLevel    = "QUARRY_LOG_LEVEL"
)

var validate = validator.New()

// Config is the merged configuration of one quarry process.
type Config struct {
	// Listen is the local bind address of the vat endpoint.
	Listen string `yaml:"listen" validate:"required"`
	// Advertise overrides the host other processes use to reach this one.
	// Empty means auto-detect.
	Advertise string `yaml:"advertise" validate:"omitempty,hostname_rfc1123|ip"`
	// Admin is the bind address of the master's operator endpoints
	// (machine listing, role requests, metrics). They are never served on
	// the vat endpoint. Empty disables them.
	Admin       string        `yaml:"admin"`
	StorageRoot string        `yaml:"storage_root" validate:"required"`
	Heartbeat   time.Duration `yaml:"heartbeat" validate:"gt=0"`
	LogLevel    string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:      DefaultListen,
		Admin:       DefaultAdmin,
		StorageRoot: DefaultStorageRoot,
		Heartbeat:   DefaultHeartbeat,
		LogLevel:    "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	c.Listen = getenv(lookup, EnvListen, c.Listen)
	c.Advertise = getenv(lookup, EnvAdvertise, c.Advertise)
	c.Admin = getenv(lookup, EnvAdmin, c.Admin)
	c.StorageRoot = getenv(lookup, EnvStorageRoot, c.StorageRoot)
	c.LogLevel = getenv(lookup, EnvLogLevel, c.LogLevel)
	if v := lookup(EnvHeartbeat); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeat, err)
		}
		c.Heartbeat = d
	}
	return nil
}

// Validate reports every invalid field in one error.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func getenv(lookup func(string) string, k, def string) string {
	if v := lookup(k); v != "" {
		return v
	}
	return def
}
