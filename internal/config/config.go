// Package config loads the ingestion pipeline's process configuration
// from the environment (spec.md §6), following the teacher's
// viper.AutomaticEnv + SetDefault + Unmarshal + validator.Validate
// pipeline.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full set of environment variables both binaries read.
// Ingestor and Gateway each use a subset; unused fields are simply
// left at their zero/default value by the other process, except that
// MQTT_HOST is validated as required for both.
type Config struct {
	// Identity (spec.md §6, required for both processes).
	LocationName   string `mapstructure:"locationname" validate:"required"`
	CompanyID      string `mapstructure:"company_id" validate:"required"`
	InvitationCode string `mapstructure:"invitation_code"` // required for Gateway only

	// Broker (Ingestor).
	MQTTHost         string        `mapstructure:"mqtt_host" validate:"required"`
	MQTTPort         int           `mapstructure:"mqtt_port" validate:"required,gt=0,lte=65535"`
	MQTTTopic        string        `mapstructure:"mqtt_topic" validate:"required"`
	MQTTAliveInterval time.Duration `mapstructure:"mqtt_alive_interval"`

	// Staging queue (both processes talk to the same Redis).
	RedisHost         string `mapstructure:"redis_host" validate:"required"`
	RedisPort         int    `mapstructure:"redis_port" validate:"required,gt=0,lte=65535"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
	MaxQueueSize      int    `mapstructure:"max_queue_size"`
	MaxMemoryMB       int    `mapstructure:"max_memory_mb"`

	// Remote document store + auth (Gateway).
	FirebaseFunctionsURL string `mapstructure:"firebase_functions_url"`
	FirebaseStoreURL     string `mapstructure:"firebase_store_url"`
	AuthDBPath           string `mapstructure:"auth_db_path"`

	// RFID reader parameters (Ingestor, passed through into documents).
	RFIDFrequency        int64 `mapstructure:"rfid_frequency"`
	RFIDTransmitPowerCdBm int   `mapstructure:"rfid_transmit_power_cdbm"`

	Mobile bool `mapstructure:"mobile"`

	// Static host->group mapping file (spec.md Component B).
	HostGroupsPath string `mapstructure:"host_groups_path"`

	// Logging, recovered from original_source/ as ambient (spec.md §6
	// distillation dropped these as out of scope for the functional
	// spec, but every process still needs to configure its logger).
	Verbose                bool   `mapstructure:"verbose"`
	LogLevel               string `mapstructure:"log_level"`
	LogFormat              string `mapstructure:"log_format"`
	LogEnableTimestamp     bool   `mapstructure:"log_enable_timestamp"`
	LogEnableColoredOutput bool   `mapstructure:"log_enable_colored_output"`

	// Control API (Gateway), ambient. ControlAPIKey is the shared API
	// key the /api subrouter requires via "Authorization: ApiKey
	// <key>" (spec.md §6's 401 unauthenticated path); left empty, the
	// Control API runs without authentication (e.g. local development).
	ControlAPIPort   int    `mapstructure:"control_api_port" validate:"gt=0,lte=65535"`
	ControlAPIKey    string `mapstructure:"control_api_key"`
	UpdateStatusPath string `mapstructure:"update_status_path"`

	// Forwarder tuning, ambient.
	StagingMaxLease       int `mapstructure:"staging_max_lease" validate:"gt=0"`
	ForwarderConcurrency  int `mapstructure:"forwarder_concurrency" validate:"gt=0"`
}

// Load reads the process configuration from the environment, applying
// defaults and struct-tag validation.
func Load() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()

	bindFields := []string{
		"locationname", "company_id", "invitation_code",
		"mqtt_host", "mqtt_port", "mqtt_topic", "mqtt_alive_interval",
		"redis_host", "redis_port", "redis_password", "redis_db",
		"max_queue_size", "max_memory_mb",
		"firebase_functions_url", "firebase_store_url", "auth_db_path",
		"rfid_frequency", "rfid_transmit_power_cdbm", "mobile",
		"host_groups_path",
		"verbose", "log_level", "log_format", "log_enable_timestamp", "log_enable_colored_output",
		"control_api_port", "control_api_key", "update_status_path",
		"staging_max_lease", "forwarder_concurrency",
	}
	for _, key := range bindFields {
		if err := viper.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("mqtt_port", 1883)
	viper.SetDefault("mqtt_topic", "rfid/tagReads")
	viper.SetDefault("mqtt_alive_interval", 30*time.Second)

	viper.SetDefault("redis_host", "localhost")
	viper.SetDefault("redis_port", 6379)
	viper.SetDefault("redis_db", 0)
	viper.SetDefault("max_queue_size", 10000)
	viper.SetDefault("max_memory_mb", 256)

	viper.SetDefault("host_groups_path", "/etc/ingestpipe/host-groups.json")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("log_enable_timestamp", true)
	viper.SetDefault("log_enable_colored_output", false)

	viper.SetDefault("control_api_port", 8090)
	viper.SetDefault("staging_max_lease", 50)
	viper.SetDefault("forwarder_concurrency", 8)

	viper.SetDefault("auth_db_path", "/var/lib/ingestpipe/auth.db")
}

// Validate runs struct-tag validation plus the cross-field checks
// tags can't express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must be >= 0 (0 means every enqueue is rejected)")
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be > 0")
	}
	return nil
}
