package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configurable parameters for the marketplace client.
type Config struct {
	// Ledger endpoint and contract addresses
	RPCURL             string
	TokenAddress       string
	MarketplaceAddress string
	ContractsFile      string

	// Local wallet
	Mnemonic     string
	AccountCount int

	// Synchronizer
	PollInterval time.Duration

	// Orchestrators
	DemoDelay           time.Duration
	ReceiptPollInterval time.Duration
	ContextTimeout      time.Duration

	// Token amounts, human units
	ApprovalAmount string
	DemoBalance    string
	TokenDecimals  int32
}

// DefaultMnemonic is the well-known development mnemonic used by local chains.
const DefaultMnemonic = "test test test test test test test test test test test junk"

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Mnemonic:     DefaultMnemonic,
		AccountCount: 5,

		PollInterval: 5 * time.Second,

		DemoDelay:           1 * time.Second,
		ReceiptPollInterval: 500 * time.Millisecond,
		ContextTimeout:      30 * time.Second,

		ApprovalAmount: "1000000",
		DemoBalance:    "1000",
		TokenDecimals:  18,
	}
}

// FromEnv returns a Config populated from environment variables,
// falling back to defaults for unset values.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("MARKET_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("MARKET_TOKEN_ADDRESS"); v != "" {
		cfg.TokenAddress = v
	}
	if v := os.Getenv("MARKET_MARKETPLACE_ADDRESS"); v != "" {
		cfg.MarketplaceAddress = v
	}
	if v := os.Getenv("MARKET_CONTRACTS_FILE"); v != "" {
		cfg.ContractsFile = v
	}
	if v := os.Getenv("MARKET_MNEMONIC"); v != "" {
		cfg.Mnemonic = v
	}
	if v := os.Getenv("MARKET_ACCOUNT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AccountCount = n
		}
	}
	if v := os.Getenv("MARKET_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("MARKET_DEMO_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DemoDelay = d
		}
	}
	if v := os.Getenv("MARKET_RECEIPT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReceiptPollInterval = d
		}
	}
	if v := os.Getenv("MARKET_CONTEXT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ContextTimeout = d
		}
	}
	if v := os.Getenv("MARKET_APPROVAL_AMOUNT"); v != "" {
		cfg.ApprovalAmount = v
	}
	if v := os.Getenv("MARKET_DEMO_BALANCE"); v != "" {
		cfg.DemoBalance = v
	}
	if v := os.Getenv("MARKET_TOKEN_DECIMALS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil && n >= 0 {
			cfg.TokenDecimals = int32(n)
		}
	}

	return cfg
}

// contractsFile is the JSON written by the deploy scripts.
type contractsFile struct {
	MarketplaceAddress string `json:"marketplaceAddress"`
	TokenAddress       string `json:"tokenAddress"`
}

// LoadContracts fills empty contract addresses from cfg.ContractsFile.
// Addresses already set (from env or flags) win over the file.
func (c *Config) LoadContracts() error {
	if c.ContractsFile == "" || (c.TokenAddress != "" && c.MarketplaceAddress != "") {
		return nil
	}
	data, err := os.ReadFile(c.ContractsFile)
	if err != nil {
		return fmt.Errorf("read contracts file: %w", err)
	}
	var f contractsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse contracts file: %w", err)
	}
	if c.TokenAddress == "" {
		c.TokenAddress = strings.TrimSpace(f.TokenAddress)
	}
	if c.MarketplaceAddress == "" {
		c.MarketplaceAddress = strings.TrimSpace(f.MarketplaceAddress)
	}
	return nil
}

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("missing RPC endpoint: set MARKET_RPC_URL")
	}
	if c.TokenAddress == "" || c.MarketplaceAddress == "" {
		return fmt.Errorf("missing contract addresses: set MARKET_TOKEN_ADDRESS and MARKET_MARKETPLACE_ADDRESS or MARKET_CONTRACTS_FILE")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
