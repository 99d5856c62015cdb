package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsWhenFieldsOmitted(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, "orchestrator.db", cfg.Database.DSN)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 8, cfg.Process.GroupLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "issue-orchestrator", cfg.Telemetry.ServiceName)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRatio)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://example/db")
	path := writeConfig(t, "database:\n  driver: postgres\n  dsn: ${TEST_DSN}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://example/db", cfg.Database.DSN)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "not_a_real_field: true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n---\ndatabase:\n  driver: postgres\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSurfacesValidationErrors(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: mysql\n")
	_, err := Load(path)
	require.Error(t, err)
	var verr *ConfigValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "database.driver")
}

func TestApplyEnvOverridesTakesPrecedenceOverFile(t *testing.T) {
	t.Setenv("ORCHESTRATOR_DATABASE_DRIVER", "postgres")
	t.Setenv("ORCHESTRATOR_DATABASE_URL", "postgres://override/db")
	t.Setenv("ORCHESTRATOR_LOG_LEVEL", "debug")

	path := writeConfig(t, "database:\n  driver: sqlite\n  dsn: orchestrator.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://override/db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvOverridesOTLPEndpointAlsoEnablesTracing(t *testing.T) {
	t.Setenv("ORCHESTRATOR_OTLP_ENDPOINT", "collector:4317")
	path := writeConfig(t, "database:\n  driver: sqlite\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.TracingEnabled)
}

func TestValidateConfigRequiresOTLPEndpointWhenTracingEnabled(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\ntelemetry:\n  tracing_enabled: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otlp_endpoint")
}

func TestValidateConfigRequiresFiltersPathWhenWatchEnabled(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\nfilters:\n  watch: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filters.path")
}

func TestValidateConfigRejectsOutOfRangeSampleRatio(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\ntelemetry:\n  sample_ratio: 1.5\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_ratio")
}

func TestLoadFilterRulesMissingFileReturnsNilNoError(t *testing.T) {
	rules, err := LoadFilterRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestLoadFilterRulesEmptyPathReturnsNilNoError(t *testing.T) {
	rules, err := LoadFilterRules("")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestLoadFilterRulesParsesYAMLList(t *testing.T) {
	path := writeConfig(t, "- type: tool-name\n  match: Bash\n  enabled: true\n")
	rules, err := LoadFilterRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "tool-name", rules[0].Type)
	assert.Equal(t, "Bash", rules[0].Match)
	assert.True(t, rules[0].Enabled)
}

func TestParseBoolFallsBackOnEmptyOrInvalid(t *testing.T) {
	assert.True(t, ParseBool("", true))
	assert.False(t, ParseBool("", false))
	assert.True(t, ParseBool("true", false))
	assert.False(t, ParseBool("not-a-bool", false))
}
