package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsYAMLAndAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker: kafka
kafka_brokers: ["k1:9092", "k2:9092"]
kafka_consumer_group: rules
workers: 8
backpressure: reject
poll_timeout: 500ms
rules_file: /etc/ruleflow/rules.yaml
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BrokerKafka, cfg.Broker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "rules", cfg.KafkaConsumerGroup)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, BackpressureReject, cfg.Backpressure)
	assert.Equal(t, 500*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, DefaultIdleBackoff, cfg.IdleBackoff)
	assert.Equal(t, "/etc/ruleflow/rules.yaml", cfg.RulesFile)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ruleflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers": 4, "backlog": 10}`), 0o600))

	t.Setenv("RULEFLOW_WORKERS", "12")
	t.Setenv("RULEFLOW_IDLE_BACKOFF", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, 10, cfg.Backlog)
	assert.Equal(t, 250*time.Millisecond, cfg.IdleBackoff)
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("RULEFLOW_BROKER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BrokerMemory, cfg.Broker)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
