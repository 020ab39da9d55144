package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// TimeframeConfig is one candle series the snapshot builder fetches.
type TimeframeConfig struct {
	Interval      string `json:"interval"`        // e.g. "3m", "15m", "4h"
	Bars          int    `json:"bars"`            // number of candles to fetch
	MaxAgeMinutes int    `json:"max_age_minutes"` // freshness bound for the newest bar
}

// InstrumentConfig configures one trading loop.
type InstrumentConfig struct {
	Symbol           string            `json:"symbol"`
	Timeframes       []TimeframeConfig `json:"timeframes"`
	CadenceSeconds   int               `json:"cadence_seconds"`    // full cycle interval
	FastCheckSeconds int               `json:"fast_check_seconds"` // exit-check interval

	MaxLeverage         int     `json:"max_leverage"`
	MaxPositionNotional float64 `json:"max_position_notional"`
	MinPositionNotional float64 `json:"min_position_notional"`
	MinConfidence       float64 `json:"min_confidence"`
}

// AIConfig configures the inference backend. Any OpenAI-format endpoint
// works through the "custom" provider.
type AIConfig struct {
	Provider       string `json:"provider"` // "deepseek", "qwen", "groq", or "custom"
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url,omitempty"` // required for custom
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// ExchangeConfig selects the execution venue.
type ExchangeConfig struct {
	Mode             string  `json:"mode"` // "binance" or "paper"
	BinanceAPIKey    string  `json:"binance_api_key,omitempty"`
	BinanceSecretKey string  `json:"binance_secret_key,omitempty"`
	Equity           float64 `json:"equity"` // account equity used for sizing constraints
}

// StoreConfig configures the cycle audit store.
type StoreConfig struct {
	DataDir     string `json:"data_dir,omitempty"`
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL; empty selects SQLite
}

// Config is the root configuration, loaded once at startup.
type Config struct {
	Instruments []InstrumentConfig `json:"instruments"`
	AI          AIConfig           `json:"ai"`
	Exchange    ExchangeConfig     `json:"exchange"`
	Store       StoreConfig        `json:"store"`

	APIServerPort int    `json:"api_server_port"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

// Load reads and validates the config file. ${ENV_VAR} references in the
// file are expanded from the environment before parsing, so secrets can
// live in .env rather than in the config itself.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var config Config
	if err := json.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be configured")
	}

	symbols := make(map[string]bool)
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		if inst.Symbol == "" {
			return fmt.Errorf("instruments[%d]: symbol cannot be empty", i)
		}
		inst.Symbol = strings.ToUpper(inst.Symbol)
		if symbols[inst.Symbol] {
			return fmt.Errorf("instruments[%d]: symbol '%s' is duplicated", i, inst.Symbol)
		}
		symbols[inst.Symbol] = true

		if len(inst.Timeframes) == 0 {
			inst.Timeframes = []TimeframeConfig{
				{Interval: "3m", Bars: 60, MaxAgeMinutes: 6},
				{Interval: "15m", Bars: 48, MaxAgeMinutes: 30},
				{Interval: "4h", Bars: 30, MaxAgeMinutes: 480},
			}
		}
		for j, tf := range inst.Timeframes {
			if tf.Interval == "" {
				return fmt.Errorf("instruments[%d].timeframes[%d]: interval cannot be empty", i, j)
			}
			if tf.Bars <= 0 {
				return fmt.Errorf("instruments[%d].timeframes[%d]: bars must be greater than 0", i, j)
			}
			if tf.MaxAgeMinutes <= 0 {
				return fmt.Errorf("instruments[%d].timeframes[%d]: max_age_minutes must be greater than 0", i, j)
			}
		}

		if inst.CadenceSeconds <= 0 {
			inst.CadenceSeconds = 180
		}
		if inst.FastCheckSeconds <= 0 {
			inst.FastCheckSeconds = 5
		}
		if inst.MaxLeverage <= 0 {
			inst.MaxLeverage = 5
		}
		if inst.MaxLeverage > 20 {
			return fmt.Errorf("instruments[%d]: max_leverage %d exceeds the hard cap of 20", i, inst.MaxLeverage)
		}
		if inst.MaxPositionNotional <= 0 {
			inst.MaxPositionNotional = 5000
		}
		if inst.MinPositionNotional <= 0 {
			inst.MinPositionNotional = 20
		}
		if inst.MinConfidence <= 0 {
			inst.MinConfidence = 0.6
		}
		if inst.MinConfidence > 1 {
			return fmt.Errorf("instruments[%d]: min_confidence must be within (0, 1]", i)
		}
	}

	switch c.AI.Provider {
	case "deepseek", "qwen", "groq":
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key must be configured for provider '%s'", c.AI.Provider)
		}
	case "custom":
		if c.AI.BaseURL == "" {
			return fmt.Errorf("ai.base_url must be configured for the custom provider")
		}
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key must be configured for the custom provider")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model must be configured for the custom provider")
		}
	default:
		return fmt.Errorf("ai.provider must be 'deepseek', 'qwen', 'groq' or 'custom'")
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 120
	}
	if c.AI.MaxRetries <= 0 {
		c.AI.MaxRetries = 3
	}

	if c.Exchange.Mode == "" {
		c.Exchange.Mode = "paper"
	}
	if c.Exchange.Mode != "binance" && c.Exchange.Mode != "paper" {
		return fmt.Errorf("exchange.mode must be 'binance' or 'paper'")
	}
	if c.Exchange.Mode == "binance" {
		if c.Exchange.BinanceAPIKey == "" || c.Exchange.BinanceSecretKey == "" {
			return fmt.Errorf("binance_api_key and binance_secret_key must be configured when exchange.mode is 'binance'")
		}
	}
	if c.Exchange.Equity <= 0 {
		c.Exchange.Equity = 10000
	}

	if c.Store.DataDir == "" {
		c.Store.DataDir = "cycle_logs"
	}
	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}
	return nil
}

// Cadence returns the full-cycle interval.
func (ic *InstrumentConfig) Cadence() time.Duration {
	return time.Duration(ic.CadenceSeconds) * time.Second
}

// FastCheckInterval returns the exit-check interval.
func (ic *InstrumentConfig) FastCheckInterval() time.Duration {
	return time.Duration(ic.FastCheckSeconds) * time.Second
}

// InferenceTimeout returns the per-call inference timeout.
func (ac *AIConfig) InferenceTimeout() time.Duration {
	return time.Duration(ac.TimeoutSeconds) * time.Second
}
