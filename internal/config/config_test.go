package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func validConfigYAML() string {
	return `app:
  engine_id: "MAIN"
  mode: "PAPER"
  database_url: "postgres://localhost:5432/capitalkernel"

engines:
  MAIN:
    display_name: "main engine"
    allocation_cap_micros: 100000000000
    client_order_prefix: "MAIN-"
    broker_api_key_env: "MAIN_BROKER_API_KEY"
    broker_api_secret_env: "MAIN_BROKER_API_SECRET"

risk:
  daily_loss_limit_micros: 5000000000
  max_drawdown: 0.1
  symbol_exposure_cap_micros: 50000000000
  aggregate_exposure_cap_micros: 100000000000
  reject_storm_threshold: 10
  reject_storm_window_seconds: 60

reconcile:
  interval_seconds: 60
  freshness_bound_seconds: 300

deadman:
  heartbeat_ttl_seconds: 30
  flag_file_path: "/tmp/capitalkernel.heartbeat"

system:
  log_level: "INFO"
`
}

func TestLoadConfigResolvesBrokerCredentialsFromEnv(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(validConfigYAML()))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("MAIN_BROKER_API_KEY", "test_api_key_from_env")
	os.Setenv("MAIN_BROKER_API_SECRET", "test_secret_from_env")
	defer os.Unsetenv("MAIN_BROKER_API_KEY")
	defer os.Unsetenv("MAIN_BROKER_API_SECRET")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	eng := cfg.Engines["MAIN"]
	assert.Equal(t, Secret("test_api_key_from_env"), eng.BrokerAPIKey)
	assert.Equal(t, Secret("test_secret_from_env"), eng.BrokerAPISecret)
}

func TestLoadConfigRejectsUnnamespacedBrokerEnvVar(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	bad := `app:
  engine_id: "MAIN"
  mode: "PAPER"
  database_url: "postgres://localhost:5432/capitalkernel"

engines:
  MAIN:
    display_name: "main engine"
    allocation_cap_micros: 1000000
    client_order_prefix: "MAIN-"
    broker_api_key_env: "BROKER_API_KEY"
    broker_api_secret_env: "BROKER_API_SECRET"

risk:
  symbol_exposure_cap_micros: 1000000
  aggregate_exposure_cap_micros: 1000000
  reject_storm_threshold: 10
  reject_storm_window_seconds: 60

reconcile:
  interval_seconds: 60
  freshness_bound_seconds: 300

deadman:
  heartbeat_ttl_seconds: 30
  flag_file_path: "/tmp/capitalkernel.heartbeat"

system:
  log_level: "INFO"
`
	_, err = tmpFile.Write([]byte(bad))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine_id")
}

func TestLoadConfigRejectsLiteralSecretShapedValue(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	content := validConfigYAML() + "\n# leaked: sk-abcdef1234567890\n"
	_, err = tmpFile.Write([]byte(content))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err)
}

func TestLiveModeRequiresPositiveRiskLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "LIVE"
	cfg.Risk.DailyLossLimitMicros = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_loss_limit_micros")
}

func TestReconcileFreshnessBoundHasNoSilentDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconcile.FreshnessBoundSeconds = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freshness_bound_seconds")
}

func TestNegativeSlippageBpsIsRejectedAtConfigLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.SlippageBps = -10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slippage_bps")
}

func TestConfig_String_RedactsBrokerCredentials(t *testing.T) {
	cfg := DefaultConfig()
	eng := cfg.Engines["MAIN"]
	eng.BrokerAPIKey = Secret("my_super_secret_api_key")
	eng.BrokerAPISecret = Secret("my_super_secret_secret_key")
	cfg.Engines["MAIN"] = eng

	output := cfg.String()
	assert.Contains(t, output, "broker_api_key_env: MAIN_BROKER_API_KEY")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}
