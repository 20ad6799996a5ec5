// Package config loads the agent's configuration: environment
// variables, the collections file, and the (optionally encrypted)
// wallets file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the environment-driven settings.
type Config struct {
	APIKey  string // marketplace API key, sent as X-NFT-API-Key
	BaseURL string // REST base URL
	WSURL   string // push stream URL

	RateLimit     int // shared request budget, requests per minute
	BidsPerMinute int // flat-mode per-wallet window cap

	DefaultOutbidMargin float64 // BTC
	DefaultLoop         int     // seconds between scheduled cycles

	EnableWalletRotation bool
	WalletConfigPath     string
	FundingWIF           string // single-wallet fallback when rotation is off

	TokenReceiveAddress      string
	CentralizeReceiveAddress bool

	EnableAddressRotation bool
	AddressPoolSize       int
	AddressPoolSeed       string

	APIPort  int
	LogLevel string
	LogJSON  bool

	DataDir string
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("BASE_URL", "https://market.example.com/v2")
	v.SetDefault("WS_URL", "wss://market.example.com/v2/activities")
	v.SetDefault("RATE_LIMIT", 120)
	v.SetDefault("BIDS_PER_MINUTE", 4)
	v.SetDefault("DEFAULT_OUTBID_MARGIN", 0.00000001)
	v.SetDefault("DEFAULT_LOOP", 60)
	v.SetDefault("ENABLE_WALLET_ROTATION", false)
	v.SetDefault("WALLET_CONFIG_PATH", "config/wallets.json")
	v.SetDefault("CENTRALIZE_RECEIVE_ADDRESS", false)
	v.SetDefault("ENABLE_ADDRESS_ROTATION", false)
	v.SetDefault("ADDRESS_POOL_SIZE", 10)
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("DATA_DIR", "data")

	cfg := &Config{
		APIKey:                   v.GetString("API_KEY"),
		BaseURL:                  v.GetString("BASE_URL"),
		WSURL:                    v.GetString("WS_URL"),
		RateLimit:                v.GetInt("RATE_LIMIT"),
		BidsPerMinute:            v.GetInt("BIDS_PER_MINUTE"),
		DefaultOutbidMargin:      v.GetFloat64("DEFAULT_OUTBID_MARGIN"),
		DefaultLoop:              v.GetInt("DEFAULT_LOOP"),
		EnableWalletRotation:     v.GetBool("ENABLE_WALLET_ROTATION"),
		WalletConfigPath:         v.GetString("WALLET_CONFIG_PATH"),
		FundingWIF:               v.GetString("FUNDING_WIF"),
		TokenReceiveAddress:      v.GetString("TOKEN_RECEIVE_ADDRESS"),
		CentralizeReceiveAddress: v.GetBool("CENTRALIZE_RECEIVE_ADDRESS"),
		EnableAddressRotation:    v.GetBool("ENABLE_ADDRESS_ROTATION"),
		AddressPoolSize:          v.GetInt("ADDRESS_POOL_SIZE"),
		AddressPoolSeed:          v.GetString("ADDRESS_POOL_SEED"),
		APIPort:                  v.GetInt("API_PORT"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogJSON:                  v.GetBool("LOG_JSON"),
		DataDir:                  v.GetString("DATA_DIR"),
	}
	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("RATE_LIMIT must be >= 1, got %d", c.RateLimit)
	}
	if c.BidsPerMinute < 1 {
		return fmt.Errorf("BIDS_PER_MINUTE must be >= 1, got %d", c.BidsPerMinute)
	}
	if c.DefaultLoop < 1 {
		return fmt.Errorf("DEFAULT_LOOP must be >= 1 second, got %d", c.DefaultLoop)
	}
	if !c.EnableWalletRotation && c.FundingWIF == "" {
		return fmt.Errorf("FUNDING_WIF is required when wallet rotation is disabled")
	}
	if c.CentralizeReceiveAddress && c.TokenReceiveAddress == "" {
		return fmt.Errorf("TOKEN_RECEIVE_ADDRESS is required when CENTRALIZE_RECEIVE_ADDRESS is set")
	}
	if c.EnableAddressRotation && c.AddressPoolSize < 1 {
		return fmt.Errorf("ADDRESS_POOL_SIZE must be >= 1, got %d", c.AddressPoolSize)
	}
	if c.EnableAddressRotation && c.AddressPoolSeed == "" {
		return fmt.Errorf("ADDRESS_POOL_SEED is required when ENABLE_ADDRESS_ROTATION is set")
	}
	if c.EnableAddressRotation && c.CentralizeReceiveAddress {
		return fmt.Errorf("ENABLE_ADDRESS_ROTATION and CENTRALIZE_RECEIVE_ADDRESS are mutually exclusive")
	}
	return nil
}

// ReceiveOverride returns the centralized receive address, or "" when
// each wallet keeps its own derived address.
func (c *Config) ReceiveOverride() string {
	if c.CentralizeReceiveAddress {
		return c.TokenReceiveAddress
	}
	return ""
}
