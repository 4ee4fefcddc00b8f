// Package config loads TaskHub's runtime configuration.
//
// Loading strategy, mirrored from the wider TaskHub ambient stack:
//  1. Load .env (local overrides, never committed).
//  2. Load configs/{env}.yaml for structured defaults.
//  3. Environment variables win over both, as the final override layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment selects which configs/{env}.yaml is loaded.
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig mirrors the on-disk configs/{env}.yaml shape.
type YAMLConfig struct {
	DBPath                string `yaml:"db_path"`
	DataDir               string `yaml:"data_dir"`
	HTTPAddr              string `yaml:"http_addr"`
	LeaseSeconds          int    `yaml:"lease_seconds"`
	SoftGraceSeconds      int    `yaml:"soft_grace_seconds"`
	ReaperIntervalSeconds int    `yaml:"reaper_interval_seconds"`
	SchedulerTickSeconds  int    `yaml:"scheduler_tick_seconds"`
	IdlePollMS            int    `yaml:"idle_poll_ms"`
}

// Config is the resolved configuration used by every TaskHub component.
type Config struct {
	Env            Environment
	DBPath         string
	DataDir        string
	HTTPAddr       string
	LeaseDuration  time.Duration
	SoftGrace      time.Duration
	ReaperInterval time.Duration
	SchedulerTick  time.Duration
	IdlePoll       time.Duration
}

var configPaths = []string{"configs", "../configs", "../../configs"}
var envPaths = []string{".env", "../.env", "../../.env"}

// Load resolves configuration the way every TaskHub binary starts up.
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	cfg := &Config{
		Env:            env,
		DBPath:         getEnv("TASKHUB_DB_PATH", yamlCfg.DBPath),
		DataDir:        getEnv("TASKHUB_DATA_DIR", yamlCfg.DataDir),
		HTTPAddr:       getEnv("TASKHUB_HTTP_ADDR", yamlCfg.HTTPAddr),
		LeaseDuration:  getEnvDuration("TASKHUB_LEASE_SECONDS", yamlCfg.LeaseSeconds),
		SoftGrace:      getEnvDuration("TASKHUB_SOFT_GRACE_SECONDS", yamlCfg.SoftGraceSeconds),
		ReaperInterval: getEnvDuration("TASKHUB_REAPER_INTERVAL_SECONDS", yamlCfg.ReaperIntervalSeconds),
		SchedulerTick:  getEnvDuration("TASKHUB_SCHEDULER_TICK_SECONDS", yamlCfg.SchedulerTickSeconds),
		IdlePoll:       time.Duration(yamlCfg.IdlePollMS) * time.Millisecond,
	}
	cfg.validate()
	return cfg
}

func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		DBPath:                "data/taskhub.db",
		DataDir:               "data",
		HTTPAddr:              ":8080",
		LeaseSeconds:          60,
		SoftGraceSeconds:      10,
		ReaperIntervalSeconds: 60,
		SchedulerTickSeconds:  1,
		IdlePollMS:            500,
	}

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, cfg)
			break
		}
	}
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(data, cfg)
			break
		}
	}
	return cfg
}

func (c *Config) validate() {
	if c.DBPath == "" {
		c.DBPath = "data/taskhub.db"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.SoftGrace <= 0 {
		c.SoftGrace = 10 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 60 * time.Second
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 500 * time.Millisecond
	}
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvDuration reads an integer-seconds env var, falling back to a
// YAML-derived seconds value when unset.
func getEnvDuration(key string, yamlSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(yamlSeconds) * time.Second
}

// IsTest reports whether the resolved environment is "test".
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}
