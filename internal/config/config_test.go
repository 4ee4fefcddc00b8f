package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate_FillsZeroValueDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.validate()

	assert.Equal(t, "data/taskhub.db", cfg.DBPath)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.SoftGrace)
	assert.Equal(t, 60*time.Second, cfg.ReaperInterval)
	assert.Equal(t, time.Second, cfg.SchedulerTick)
	assert.Equal(t, 500*time.Millisecond, cfg.IdlePoll)
}

func TestValidate_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{DBPath: "custom.db", LeaseDuration: 5 * time.Second}
	cfg.validate()

	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.LeaseDuration)
}

func TestParseEnv(t *testing.T) {
	assert.Equal(t, EnvTest, parseEnv("test"))
	assert.Equal(t, EnvProduction, parseEnv("prod"))
	assert.Equal(t, EnvProduction, parseEnv("production"))
	assert.Equal(t, EnvDevelopment, parseEnv("dev"))
	assert.Equal(t, EnvDevelopment, parseEnv("anything-else"))
}

func TestIsTest(t *testing.T) {
	assert.True(t, (&Config{Env: EnvTest}).IsTest())
	assert.False(t, (&Config{Env: EnvDevelopment}).IsTest())
}
