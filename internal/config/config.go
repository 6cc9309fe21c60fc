// Package config holds the static configuration of a mesh node. Values come
// from Default, then an optional YAML file, then ZEPHYR_* environment
// variables. Nothing here is negotiated at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

const (
	DefaultPort              = 9981
	DefaultScanTimeout       = 2000 * time.Millisecond
	DefaultDiscoveryInterval = 5000 * time.Millisecond
	DefaultStorageDir        = "./data"
	DefaultEtcdLeaseTTL      = 10
	DefaultProbeConcurrency  = 16
)

// Discovery source names.
const (
	SourceMDNS   = "mdns"
	SourceEtcd   = "etcd"
	SourceConsul = "consul"
	SourceFile   = "file"
)

var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidDuration = errors.New("durations must be positive")
	ErrStorageDir      = errors.New("storage dir is required")
	ErrNoSources       = errors.New("at least one discovery source is required")
	ErrUnknownSource   = errors.New("unknown discovery source")
	ErrSourceSettings  = errors.New("discovery source is missing required settings")
)

type Config struct {
	Port              int           `yaml:"port"`
	AdvertiseHost     string        `yaml:"advertise_host"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	StorageDir        string        `yaml:"storage_dir"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	Discovery         Discovery     `yaml:"discovery"`
	Sync              Sync          `yaml:"sync"`
}

type Discovery struct {
	Sources          []string `yaml:"sources"`
	MDNSService      string   `yaml:"mdns_service"`
	EtcdEndpoints    []string `yaml:"etcd_endpoints"`
	EtcdLeaseTTL     int64    `yaml:"etcd_lease_ttl"`
	ConsulAddr       string   `yaml:"consul_addr"`
	ConsulService    string   `yaml:"consul_service"`
	SeedFile         string   `yaml:"seed_file"`
	Peers            []string `yaml:"peers"` // static addresses, probed every cycle
	ProbeConcurrency int      `yaml:"probe_concurrency"`
}

// Sync tunes the store's outbound peer links.
type Sync struct {
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// Default returns a config with the design defaults.
func Default() Config {
	return Config{
		Port:              DefaultPort,
		ScanTimeout:       DefaultScanTimeout,
		DiscoveryInterval: DefaultDiscoveryInterval,
		StorageDir:        DefaultStorageDir,
		LogLevel:          "info",
		LogFormat:         "json",
		Discovery: Discovery{
			Sources:          []string{SourceMDNS},
			MDNSService:      discovery.DefaultMDNSService,
			EtcdLeaseTTL:     DefaultEtcdLeaseTTL,
			ConsulService:    discovery.DefaultConsulService,
			ProbeConcurrency: DefaultProbeConcurrency,
		},
		Sync: Sync{
			ReconnectMin: time.Second,
			ReconnectMax: 30 * time.Second,
		},
	}
}

// Load starts from Default, overlays the YAML file at path (skipped when path
// is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Port, err = getEnvInt("ZEPHYR_PORT", c.Port); err != nil {
		return err
	}
	if c.ScanTimeout, err = getEnvDuration("ZEPHYR_SCAN_TIMEOUT", c.ScanTimeout); err != nil {
		return err
	}
	if c.DiscoveryInterval, err = getEnvDuration("ZEPHYR_DISCOVERY_INTERVAL", c.DiscoveryInterval); err != nil {
		return err
	}
	c.AdvertiseHost = getEnv("ZEPHYR_ADVERTISE_HOST", c.AdvertiseHost)
	c.StorageDir = getEnv("ZEPHYR_STORAGE_DIR", c.StorageDir)
	c.LogLevel = getEnv("ZEPHYR_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("ZEPHYR_LOG_FORMAT", c.LogFormat)
	c.Discovery.Sources = getEnvList("ZEPHYR_DISCOVERY_SOURCES", c.Discovery.Sources)
	c.Discovery.EtcdEndpoints = getEnvList("ZEPHYR_ETCD_ENDPOINTS", c.Discovery.EtcdEndpoints)
	c.Discovery.ConsulAddr = getEnv("ZEPHYR_CONSUL_ADDR", c.Discovery.ConsulAddr)
	c.Discovery.SeedFile = getEnv("ZEPHYR_SEED_FILE", c.Discovery.SeedFile)
	c.Discovery.Peers = getEnvList("ZEPHYR_PEERS", c.Discovery.Peers)
	return nil
}

// Validate checks the config for values the node cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.ScanTimeout <= 0 || c.DiscoveryInterval <= 0 ||
		c.Sync.ReconnectMin <= 0 || c.Sync.ReconnectMax < c.Sync.ReconnectMin {
		return ErrInvalidDuration
	}
	if c.StorageDir == "" {
		return ErrStorageDir
	}
	if len(c.Discovery.Sources) == 0 && len(c.Discovery.Peers) == 0 {
		return ErrNoSources
	}
	for _, s := range c.Discovery.Sources {
		switch s {
		case SourceMDNS:
		case SourceEtcd:
			if len(c.Discovery.EtcdEndpoints) == 0 {
				return fmt.Errorf("%w: %s needs etcd_endpoints", ErrSourceSettings, s)
			}
		case SourceConsul:
			if c.Discovery.ConsulService == "" {
				return fmt.Errorf("%w: %s needs consul_service", ErrSourceSettings, s)
			}
		case SourceFile:
			if c.Discovery.SeedFile == "" {
				return fmt.Errorf("%w: %s needs seed_file", ErrSourceSettings, s)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownSource, s)
		}
	}
	return nil
}

// ListenAddr is the address the HTTP surface binds to.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
