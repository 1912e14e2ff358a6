package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper() {
	viper.Reset()
}

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func setEnvKeys(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, os.Setenv(k, v))
	}
	t.Cleanup(func() {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		unsetEnvKeys(keys...)
	})
}

func requiredEnv() map[string]string {
	return map[string]string{
		"LOCATIONNAME": "loc-a",
		"COMPANY_ID":   "company-a",
		"MQTT_HOST":    "mqtt.local",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	resetViper()
	setEnvKeys(t, requiredEnv())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, "rfid/tagReads", cfg.MQTTTopic)
	assert.Equal(t, "localhost", cfg.RedisHost)
	assert.Equal(t, 6379, cfg.RedisPort)
	assert.Equal(t, 10000, cfg.MaxQueueSize)
	assert.Equal(t, 256, cfg.MaxMemoryMB)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8090, cfg.ControlAPIPort)
	assert.Equal(t, 50, cfg.StagingMaxLease)
	assert.Equal(t, 8, cfg.ForwarderConcurrency)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	resetViper()
	env := requiredEnv()
	env["MQTT_PORT"] = "8883"
	env["REDIS_HOST"] = "redis.internal"
	env["MOBILE"] = "true"
	setEnvKeys(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8883, cfg.MQTTPort)
	assert.Equal(t, "redis.internal", cfg.RedisHost)
	assert.True(t, cfg.Mobile)
}

func TestLoadFailsWhenRequiredFieldMissing(t *testing.T) {
	resetViper()
	unsetEnvKeys("LOCATIONNAME", "COMPANY_ID", "MQTT_HOST")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	resetViper()
	env := requiredEnv()
	env["MQTT_PORT"] = "70000"
	setEnvKeys(t, env)

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
}
