package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `{
	"instruments": [{"symbol": "btcusdt"}],
	"ai": {"provider": "deepseek", "api_key": "sk-test"}
}`

func TestLoadMinimalFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Instruments, 1)
	inst := cfg.Instruments[0]
	assert.Equal(t, "BTCUSDT", inst.Symbol)
	assert.Len(t, inst.Timeframes, 3)
	assert.Equal(t, 180, inst.CadenceSeconds)
	assert.Equal(t, 5, inst.FastCheckSeconds)
	assert.Equal(t, 5, inst.MaxLeverage)
	assert.Equal(t, 5000.0, inst.MaxPositionNotional)
	assert.Equal(t, 0.6, inst.MinConfidence)

	assert.Equal(t, "paper", cfg.Exchange.Mode)
	assert.Equal(t, 10000.0, cfg.Exchange.Equity)
	assert.Equal(t, 8080, cfg.APIServerPort)
	assert.Equal(t, "cycle_logs", cfg.Store.DataDir)
	assert.Equal(t, 120, cfg.AI.TimeoutSeconds)
	assert.Equal(t, 3, cfg.AI.MaxRetries)
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_AI_KEY", "sk-from-env")
	cfg, err := Load(writeConfig(t, `{
		"instruments": [{"symbol": "ETHUSDT"}],
		"ai": {"provider": "deepseek", "api_key": "${TEST_AI_KEY}"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.AI.APIKey)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no instruments",
			content: `{"instruments": [], "ai": {"provider": "deepseek", "api_key": "k"}}`,
			wantErr: "at least one instrument",
		},
		{
			name: "duplicate symbol",
			content: `{"instruments": [{"symbol": "BTCUSDT"}, {"symbol": "btcusdt"}],
				"ai": {"provider": "deepseek", "api_key": "k"}}`,
			wantErr: "duplicated",
		},
		{
			name: "unknown provider",
			content: `{"instruments": [{"symbol": "BTCUSDT"}],
				"ai": {"provider": "oracle", "api_key": "k"}}`,
			wantErr: "ai.provider",
		},
		{
			name: "custom provider without base url",
			content: `{"instruments": [{"symbol": "BTCUSDT"}],
				"ai": {"provider": "custom", "api_key": "k", "model": "m"}}`,
			wantErr: "ai.base_url",
		},
		{
			name: "binance without keys",
			content: `{"instruments": [{"symbol": "BTCUSDT"}],
				"ai": {"provider": "deepseek", "api_key": "k"},
				"exchange": {"mode": "binance"}}`,
			wantErr: "binance_api_key",
		},
		{
			name: "leverage over hard cap",
			content: `{"instruments": [{"symbol": "BTCUSDT", "max_leverage": 50}],
				"ai": {"provider": "deepseek", "api_key": "k"}}`,
			wantErr: "hard cap",
		},
		{
			name: "bad timeframe",
			content: `{"instruments": [{"symbol": "BTCUSDT",
				"timeframes": [{"interval": "3m", "bars": 0, "max_age_minutes": 6}]}],
				"ai": {"provider": "deepseek", "api_key": "k"}}`,
			wantErr: "bars must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIntervalHelpers(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "3m0s", cfg.Instruments[0].Cadence().String())
	assert.Equal(t, "5s", cfg.Instruments[0].FastCheckInterval().String())
	assert.Equal(t, "2m0s", cfg.AI.InferenceTimeout().String())
}
