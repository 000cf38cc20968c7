package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainsync/internal/core/chains"
	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/reorg"
	"github.com/vietddude/chainsync/internal/infra/rpc"
)

// Defaults applied by Load.
const (
	DefaultPort               = 8080
	DefaultBatchSize          = 100
	DefaultWorkers            = 4
	DefaultRPCTimeout         = 10 * time.Second
	DefaultMaxConnectAttempts = 5
	DefaultLeaseTTL           = 30 * time.Second
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", domain.ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables and applies
// defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", domain.ErrConfig, err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.LeaseTTL == 0 {
		cfg.Redis.LeaseTTL = DefaultLeaseTTL
	}

	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.BatchSize == 0 {
			c.BatchSize = DefaultBatchSize
		}
		if c.Workers == 0 {
			c.Workers = DefaultWorkers
		}
		if c.RPCTimeout == 0 {
			c.RPCTimeout = DefaultRPCTimeout
		}
		if c.MaxConnectAttempts == 0 {
			c.MaxConnectAttempts = DefaultMaxConnectAttempts
		}
		if c.Retry.MaxAttempts == 0 {
			c.Retry.MaxAttempts = rpc.DefaultRetryConfig.MaxAttempts
		}
		if c.Retry.InitialDelay == 0 {
			c.Retry.InitialDelay = rpc.DefaultRetryConfig.InitialDelay
		}
		if c.Retry.MaxDelay == 0 {
			c.Retry.MaxDelay = rpc.DefaultRetryConfig.MaxDelay
		}
	}

	return &cfg, nil
}

// Validate resolves every chain entry against the registry and its provider.
// All problems are reported together; each wraps domain.ErrConfig.
func (c *AppConfig) Validate() ([]ResolvedChain, error) {
	if len(c.Chains) == 0 {
		return nil, fmt.Errorf("%w: no chains configured", domain.ErrConfig)
	}

	var (
		errs     []error
		resolved []ResolvedChain
		seen     = make(map[domain.ChainName]bool)
	)
	for i, cc := range c.Chains {
		rc, err := cc.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("chains[%d] %q: %w", i, cc.Name, err))
			continue
		}
		if seen[rc.Chain.Name] {
			errs = append(errs, fmt.Errorf("%w: chains[%d] %q configured twice", domain.ErrConfig, i, cc.Name))
			continue
		}
		seen[rc.Chain.Name] = true
		resolved = append(resolved, rc)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (cc ChainConfig) resolve() (ResolvedChain, error) {
	chain, err := chains.Get(cc.Name)
	if err != nil {
		return ResolvedChain{}, err
	}

	var prov domain.Provider
	if cc.HTTPURL != "" || cc.WSURL != "" {
		prov, err = chains.Custom(cc.HTTPURL, cc.WSURL)
	} else {
		var name domain.ProviderName
		name, err = domain.ParseProviderName(cc.Provider)
		if err == nil {
			prov, err = chains.Resolve(chain, name, strings.TrimSpace(cc.APIKey))
		}
	}
	if err != nil {
		return ResolvedChain{}, err
	}

	if _, err := reorg.ParseTrigger(cc.ReorgTrigger); err != nil {
		return ResolvedChain{}, err
	}
	switch {
	case cc.Workers < 1:
		return ResolvedChain{}, fmt.Errorf("%w: workers must be at least 1", domain.ErrConfig)
	case cc.RecheckEvery < 0:
		return ResolvedChain{}, fmt.Errorf("%w: recheck_every must not be negative", domain.ErrConfig)
	}

	return ResolvedChain{Chain: chain, Provider: prov, Config: cc}, nil
}
