package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         Server         `yaml:"server"`
	Fleet          Fleet          `yaml:"fleet" validate:"required"`
	Positions      Positions      `yaml:"positions" validate:"required"`
	Communications Communications `yaml:"communications" validate:"required"`
	Stream         Stream         `yaml:"stream"`
	Cache          Cache          `yaml:"cache"`
	Database       Database       `yaml:"database"`
	RabbitMQ       RabbitMQ       `yaml:"rabbitmq"`
}

type Server struct {
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// Fleet selects where the vehicle registry comes from. The HTTP source talks
// to the fleet API with a static bearer token; the postgres source reads the
// registry table directly.
type Fleet struct {
	Source  string `yaml:"source" validate:"required,oneof=api postgres"`
	BaseURL string `yaml:"base_url" validate:"required_if=Source api,omitempty,url"`
	Token   string `yaml:"token"`
}

type Positions struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

type Communications struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

type Stream struct {
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

type Cache struct {
	TTL time.Duration `yaml:"ttl"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"database"`
}

type RabbitMQ struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// Load reads, validates and defaults the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.Fleet.Source == "postgres" {
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return nil, fmt.Errorf("fleet.source is postgres but [database] is incomplete")
		}
	}
	if cfg.RabbitMQ.Enabled && cfg.RabbitMQ.Queue == "" {
		return nil, fmt.Errorf("rabbitmq.enabled is set but rabbitmq.queue is empty")
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8081
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 30 * time.Second
	}
	if cfg.Stream.BaseURL == "" {
		cfg.Stream.BaseURL = cfg.Communications.BaseURL
	}
	if cfg.Stream.RetryInitial <= 0 {
		cfg.Stream.RetryInitial = time.Second
	}
	if cfg.Stream.RetryMax <= 0 {
		cfg.Stream.RetryMax = 30 * time.Second
	}
	if cfg.RabbitMQ.Prefetch <= 0 {
		cfg.RabbitMQ.Prefetch = 8
	}
}
