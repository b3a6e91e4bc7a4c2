package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Health   HealthConfig   `yaml:"health"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Docker   DockerConfig   `yaml:"docker"`
	Identity IdentityConfig `yaml:"identity"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr is the listen address for the control-plane API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

type FleetConfig struct {
	// MaxNodes caps provisioning; 0 means unlimited. Registration is not capped.
	MaxNodes      int    `yaml:"max_nodes"`
	AdvertiseHost string `yaml:"advertise_host"`
	DefaultPort   int    `yaml:"default_port"`
}

type DockerConfig struct {
	Host       string `yaml:"host"` // empty uses DOCKER_HOST / the default socket
	APIVersion string `yaml:"api_version"`
}

// IdentityConfig points at the on-chain identity and attestation collaborator.
// Ember passes these through; it does not talk to either service itself.
type IdentityConfig struct {
	RPCEndpoint     string `yaml:"rpc_endpoint"`
	RegistryAddress string `yaml:"registry_address"`
}

type MirrorConfig struct {
	Backend string      `yaml:"backend"` // none, etcd or redis
	Etcd    EtcdConfig  `yaml:"etcd"`
	Redis   RedisConfig `yaml:"redis"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // empty disables event publishing
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Health: HealthConfig{
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			Concurrency: 8,
		},
		Fleet: FleetConfig{
			MaxNodes:      0,
			AdvertiseHost: "127.0.0.1",
			DefaultPort:   8080,
		},
		Docker: DockerConfig{
			APIVersion: "1.44",
		},
		Mirror: MirrorConfig{
			Backend: "none",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
				Prefix:      "/ember/nodes/",
			},
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "ember",
			},
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Topic: "ember.fleet",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of Defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}
	if c.Fleet.MaxNodes < 0 {
		return fmt.Errorf("fleet.max_nodes must not be negative")
	}
	switch c.Mirror.Backend {
	case "", "none", "etcd", "redis":
	default:
		return fmt.Errorf("mirror.backend: unsupported backend %q", c.Mirror.Backend)
	}
	return nil
}
