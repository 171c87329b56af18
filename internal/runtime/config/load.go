package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. RULEFLOW_WORKERS=40.
const EnvPrefix = "RULEFLOW"

// Load reads the configuration file at path (YAML, JSON or TOML, picked by
// extension) and applies RULEFLOW_* environment overrides. An empty path loads
// from the environment only. Defaults are applied before returning.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	withDefaults := cfg.WithDefaults()
	return &withDefaults, nil
}

// bindKeys registers every key with a zero default so AutomaticEnv can resolve
// it during Unmarshal even when the file does not mention it.
func bindKeys(v *viper.Viper) {
	defaults := map[string]any{
		"broker":                      "",
		"pubsub_system":               "",
		"kafka_brokers":               []string{},
		"kafka_client_id":             "",
		"kafka_consumer_group":        "",
		"rabbitmq_url":                "",
		"nats_url":                    "",
		"nats_jetstream":              false,
		"http_server_address":         "",
		"http_publisher_url":          "",
		"aws_region":                  "",
		"aws_account_id":              "",
		"aws_access_key_id":           "",
		"aws_secret_access_key":       "",
		"aws_endpoint":                "",
		"rules_file":                  "",
		"delivery_encoding":           "",
		"delivery_max_retries":        0,
		"workers":                     0,
		"max_workers":                 0,
		"backlog":                     0,
		"backpressure":                "",
		"poll_timeout":                "0s",
		"poll_batch_size":             0,
		"idle_backoff":                "0s",
		"drain_timeout":               "0s",
		"metrics_enabled":             false,
		"metrics_port":                0,
		"status_enabled":              false,
		"status_port":                 0,
		"status_cors_allowed_origins": []string{},
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
