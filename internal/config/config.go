package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Operator OperatorConfig
	Fees     FeeConfig
	Relay    RelayConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MigrationPath string
}

// ChainConfig holds configuration for the EVM chain the relay submits to
type ChainConfig struct {
	ChainID          int64
	RPCEndpoint      string
	ForwarderAddress string // TrustedForwarder contract, also the EIP-712 verifying contract
}

// OperatorConfig holds the relay operator wallet configuration
type OperatorConfig struct {
	RelayerPrivateKey string // hex, with or without 0x prefix
}

// FeeConfig holds the fixed fee policy applied to every relayed transaction
type FeeConfig struct {
	GasLimit                 uint64
	MaxFeePerGasGwei         int64
	MaxPriorityFeePerGasGwei int64
}

// RelayConfig holds tuning for the relay engine and its background workers
type RelayConfig struct {
	NonceLockTimeout  time.Duration
	RecoveryListSize  int
	ReplayCacheSize   int
	ReconcileInterval time.Duration
	ReconcileWorkers  int
	InDoubtGrace      time.Duration
}

// LoadConfig loads configuration from environment variables, falling back to
// a .env file in the working directory when one exists.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(getEnvFile())
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
	}
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
		},
		Database: DatabaseConfig{
			Host:          v.GetString("DB_HOST"),
			Port:          v.GetInt("DB_PORT"),
			User:          v.GetString("DB_USER"),
			Password:      v.GetString("DB_PASSWORD"),
			DBName:        v.GetString("DB_NAME"),
			SSLMode:       v.GetString("DB_SSL_MODE"),
			MigrationPath: v.GetString("DB_MIGRATION_PATH"),
		},
		Chain: ChainConfig{
			ChainID:          v.GetInt64("CHAIN_ID"),
			RPCEndpoint:      strings.TrimSpace(v.GetString("RPC_URL")),
			ForwarderAddress: strings.TrimSpace(v.GetString("FORWARDER_ADDRESS")),
		},
		Operator: OperatorConfig{
			RelayerPrivateKey: strings.TrimSpace(v.GetString("RELAYER_PRIVATE_KEY")),
		},
		Fees: FeeConfig{
			GasLimit:                 v.GetUint64("RELAY_GAS_LIMIT"),
			MaxFeePerGasGwei:         v.GetInt64("RELAY_MAX_FEE_GWEI"),
			MaxPriorityFeePerGasGwei: v.GetInt64("RELAY_PRIORITY_FEE_GWEI"),
		},
		Relay: RelayConfig{
			NonceLockTimeout:  v.GetDuration("RELAY_NONCE_LOCK_TIMEOUT"),
			RecoveryListSize:  v.GetInt("RELAY_RECOVERY_LIST_SIZE"),
			ReplayCacheSize:   v.GetInt("RELAY_REPLAY_CACHE_SIZE"),
			ReconcileInterval: v.GetDuration("RELAY_RECONCILE_INTERVAL"),
			ReconcileWorkers:  v.GetInt("RELAY_RECONCILE_WORKERS"),
			InDoubtGrace:      v.GetDuration("RELAY_IN_DOUBT_GRACE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "gasless_relayer")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MIGRATION_PATH", "internal/database/migrations/001_schema.sql")

	// Sepolia
	v.SetDefault("CHAIN_ID", 11155111)

	v.SetDefault("RELAY_GAS_LIMIT", 500000)
	v.SetDefault("RELAY_MAX_FEE_GWEI", 50)
	v.SetDefault("RELAY_PRIORITY_FEE_GWEI", 2)

	v.SetDefault("RELAY_NONCE_LOCK_TIMEOUT", 5*time.Second)
	v.SetDefault("RELAY_RECOVERY_LIST_SIZE", 16)
	v.SetDefault("RELAY_REPLAY_CACHE_SIZE", 10000)
	v.SetDefault("RELAY_RECONCILE_INTERVAL", 15*time.Second)
	v.SetDefault("RELAY_RECONCILE_WORKERS", 4)
	v.SetDefault("RELAY_IN_DOUBT_GRACE", 2*time.Minute)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain id: %d", c.Chain.ChainID)
	}

	if c.Chain.ForwarderAddress == "" {
		return fmt.Errorf("FORWARDER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.Chain.ForwarderAddress) {
		return fmt.Errorf("FORWARDER_ADDRESS is not a valid address: %s", c.Chain.ForwarderAddress)
	}

	if c.Operator.RelayerPrivateKey == "" {
		return fmt.Errorf("RELAYER_PRIVATE_KEY is required")
	}
	if err := validatePrivateKey(c.Operator.RelayerPrivateKey); err != nil {
		return err
	}

	if c.Fees.GasLimit == 0 {
		return fmt.Errorf("relay gas limit must be positive")
	}
	if c.Fees.MaxPriorityFeePerGasGwei < 0 || c.Fees.MaxFeePerGasGwei <= 0 {
		return fmt.Errorf("relay fee caps must be positive")
	}
	if c.Fees.MaxPriorityFeePerGasGwei > c.Fees.MaxFeePerGasGwei {
		return fmt.Errorf("priority fee %d gwei exceeds max fee %d gwei",
			c.Fees.MaxPriorityFeePerGasGwei, c.Fees.MaxFeePerGasGwei)
	}

	if c.Relay.NonceLockTimeout <= 0 {
		return fmt.Errorf("nonce lock timeout must be positive")
	}
	if c.Relay.RecoveryListSize <= 0 {
		return fmt.Errorf("recovery list size must be positive")
	}
	if c.Relay.ReplayCacheSize <= 0 {
		return fmt.Errorf("replay cache size must be positive")
	}
	if c.Relay.ReconcileWorkers <= 0 {
		return fmt.Errorf("reconcile workers must be positive")
	}

	return nil
}

// validatePrivateKey checks shape only; the key is never echoed back in errors.
func validatePrivateKey(key string) error {
	keyHex := strings.TrimPrefix(strings.TrimPrefix(key, "0x"), "0X")
	if len(keyHex) != 64 {
		return fmt.Errorf("RELAYER_PRIVATE_KEY must be 64 hex characters, got %d", len(keyHex))
	}
	if _, err := hex.DecodeString(keyHex); err != nil {
		return fmt.Errorf("RELAYER_PRIVATE_KEY is not valid hex")
	}
	return nil
}

func getEnvFile() string {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}
