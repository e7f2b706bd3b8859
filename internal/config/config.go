package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"paylinks/internal/fees"
)

// SeedConfig models the values we need from relayer.json.
type SeedConfig struct {
	Relay struct {
		RPCURL        string `json:"rpcUrl"`
		ChainID       int64  `json:"chainId"`
		ShieldedPool  string `json:"shieldedPool"`
		AssetDecimals int32  `json:"assetDecimals"`
	} `json:"relay"`
	Assets []string `json:"assets"`
	Fees   struct {
		BaseFee        string `json:"baseFee"`
		PercentageRate string `json:"percentageRate"`
	} `json:"fees"`
	Secrets struct {
		DepositWebhookSecret string `json:"depositWebhookSecret"`
	} `json:"secrets"`
	Limits struct {
		SafetyBuffer           string `json:"safetyBuffer"`
		SafetyBufferProduction string `json:"safetyBufferProduction"`
		RelayFeeEstimate       string `json:"relayFeeEstimate"`
	} `json:"limits"`
	Timeouts struct {
		RelayTimeoutMs        int `json:"relayTimeoutMs"`
		HMACClockSkewSecs     int `json:"hmacClockSkewSeconds"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// AppConfig ties together the seed file, env overrides and derived values.
type AppConfig struct {
	Seed    SeedConfig
	Service ServiceConfig
	Chain   ChainConfig
	Fees    fees.Schedule

	// SafetyBuffer is environment-dependent: production carries a larger
	// margin to absorb fee-estimation drift under concurrent claims.
	SafetyBuffer     decimal.Decimal
	RelayFeeEstimate decimal.Decimal
}

type ServiceConfig struct {
	HTTPPort          int
	Environment       string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	RelayTimeout      time.Duration
	JournalPath       string
	PostgresDSN       string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

const defaultSeedPath = "../relayer.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("RELAYER_PATH", defaultSeedPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load relayer config: %w", err)
	}

	environment := envOr("ENVIRONMENT", "development")

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		Environment:       environment,
		HMACClockSkew:     secondsOr(seedCfg.Timeouts.HMACClockSkewSecs, 60),
		IdempotencyWindow: secondsOr(seedCfg.Timeouts.IdempotencyWindowSecs, 300),
		RelayTimeout:      time.Duration(msOr(seedCfg.Timeouts.RelayTimeoutMs, 30_000)) * time.Millisecond,
		JournalPath:       envOr("RECONCILIATION_JOURNAL_PATH", filepath.Join(os.TempDir(), "paylinks-journal")),
		PostgresDSN:       envOr("POSTGRES_DSN", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", seedCfg.Relay.RPCURL),
		PrivateKey: envOr("RELAYER_PRIVATE_KEY", ""),
	}

	schedule, err := parseFees(seedCfg)
	if err != nil {
		return nil, err
	}

	buffer, err := parseSafetyBuffer(seedCfg, environment)
	if err != nil {
		return nil, err
	}

	feeEstimate, err := decimalOr(seedCfg.Limits.RelayFeeEstimate, "0")
	if err != nil {
		return nil, fmt.Errorf("relayFeeEstimate: %w", err)
	}

	return &AppConfig{
		Seed:             *seedCfg,
		Service:          serviceCfg,
		Chain:            chainCfg,
		Fees:             schedule,
		SafetyBuffer:     buffer,
		RelayFeeEstimate: feeEstimate,
	}, nil
}

func parseFees(seed *SeedConfig) (fees.Schedule, error) {
	baseFee, err := decimalOr(seed.Fees.BaseFee, "0")
	if err != nil {
		return fees.Schedule{}, fmt.Errorf("baseFee: %w", err)
	}
	rate, err := decimalOr(seed.Fees.PercentageRate, "0")
	if err != nil {
		return fees.Schedule{}, fmt.Errorf("percentageRate: %w", err)
	}
	return fees.Schedule{BaseFee: baseFee, PercentageRate: rate}, nil
}

func parseSafetyBuffer(seed *SeedConfig, environment string) (decimal.Decimal, error) {
	raw := seed.Limits.SafetyBuffer
	if environment == "production" && seed.Limits.SafetyBufferProduction != "" {
		raw = seed.Limits.SafetyBufferProduction
	}
	buffer, err := decimalOr(raw, "0")
	if err != nil {
		return decimal.Zero, fmt.Errorf("safetyBuffer: %w", err)
	}
	return buffer, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decimalOr(raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	return decimal.NewFromString(raw)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func msOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
