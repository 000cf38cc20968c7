package config

import (
	"time"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/infra/rpc"
	redisclient "github.com/vietddude/chainsync/internal/infra/redis"
	"github.com/vietddude/chainsync/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chains   []ChainConfig      `yaml:"chains"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds settings for one ingested chain.
type ChainConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ankr, llamanodes
	APIKey   string `yaml:"api_key"`
	HTTPURL  string `yaml:"http_url"` // overrides provider when set with ws_url
	WSURL    string `yaml:"ws_url"`

	InitialBlock       uint64          `yaml:"initial_block"`
	BatchSize          uint64          `yaml:"batch_size"`
	Workers            int             `yaml:"workers"`
	RPCTimeout         time.Duration   `yaml:"rpc_timeout"`
	ReorgTrigger       string          `yaml:"reorg_trigger"` // parent_hash, recheck
	RecheckEvery       int             `yaml:"recheck_every"`
	MaxConnectAttempts int             `yaml:"max_connect_attempts"`
	Retry              rpc.RetryConfig `yaml:"retry"`
}

// ResolvedChain is a validated chain entry ready for ingestion.
type ResolvedChain struct {
	Chain    domain.Chain
	Provider domain.Provider
	Config   ChainConfig
}
