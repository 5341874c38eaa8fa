// Package config loads and exposes the CipherPay core's recognized
// configuration options (spec.md §6.5). It follows the teacher's
// cfg.Get() singleton accessor pattern (pkg/config used throughout
// pkg/core/mempool and pkg/core/transactor), layered over a TOML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"
)

// Network identifies which Zcash network CipherPay is watching.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Config holds every recognized option from spec.md §6.5.
type Config struct {
	Network             Network       `toml:"network"`
	ChainSourceBaseURL   string        `toml:"chainsource_base_url"`
	MempoolPollInterval  time.Duration `toml:"-"`
	MempoolPollSecs      int           `toml:"mempool_poll_secs"`
	BlockPollInterval    time.Duration `toml:"-"`
	BlockPollSecs        int           `toml:"block_poll_secs"`
	InvoiceExpiryMinutes int           `toml:"invoice_expiry_minutes"`
	DataPurgeDays        int           `toml:"data_purge_days"`
	UFVKEncryptionKeyHex string        `toml:"ufvk_encryption_key"`
	WebhookMaxAttempts   int           `toml:"webhook_max_attempts"`
	AllowedOrigins       []string      `toml:"allowed_origins"`

	// StorePath is the sqlite3 DSN/path for the InvoiceStore (ambient,
	// not named explicitly in spec.md §6.5 but required to open it).
	StorePath string `toml:"store_path"`

	// ViewingKeyCachePath is the on-disk leveldb directory backing the
	// prepared-IVK bootstrap cache (see DESIGN.md).
	ViewingKeyCachePath string `toml:"viewing_key_cache_path"`
}

const (
	defaultMempoolPollSecs      = 5
	defaultBlockPollSecs        = 15
	defaultInvoiceExpiryMinutes = 30
	defaultDataPurgeDays        = 30
	defaultWebhookMaxAttempts   = 5
)

var (
	current *Config
	mu      sync.RWMutex
)

// Load reads a TOML config file, applies defaults for unset fields, then
// overlays, if present, a sibling ".properties" override file (a
// convenience for operators who prefer flat key=value overrides in
// local/dev deployments over editing the TOML file; it recognizes
// mempool_poll_secs, block_poll_secs and webhook_max_attempts), and
// finally the environment variables CIPHERPAY_NETWORK,
// CIPHERPAY_CHAINSOURCE_BASE_URL, CIPHERPAY_UFVK_ENCRYPTION_KEY,
// CIPHERPAY_MEMPOOL_POLL_SECS, CIPHERPAY_BLOCK_POLL_SECS and
// CIPHERPAY_STORE_PATH, which win over both files.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Network:              Mainnet,
		MempoolPollSecs:      defaultMempoolPollSecs,
		BlockPollSecs:        defaultBlockPollSecs,
		InvoiceExpiryMinutes: defaultInvoiceExpiryMinutes,
		DataPurgeDays:        defaultDataPurgeDays,
		WebhookMaxAttempts:   defaultWebhookMaxAttempts,
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: decode %s", path)
		}
	}

	if propsPath := path + ".properties"; fileExists(propsPath) {
		props, err := properties.LoadFile(propsPath, properties.UTF8)
		if err != nil {
			return nil, errors.Wrapf(err, "config: decode overrides %s", propsPath)
		}
		applyProperties(cfg, props)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	cfg.MempoolPollInterval = time.Duration(cfg.MempoolPollSecs) * time.Second
	cfg.BlockPollInterval = time.Duration(cfg.BlockPollSecs) * time.Second

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Get returns the process-wide configuration. Panics if Load has not
// been called — mirrors the teacher's cfg.Get() contract of being
// called only after startup has installed a config.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		panic("config: Get called before Load")
	}
	return current
}

func validate(cfg *Config) error {
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return errors.Errorf("config: invalid network %q", cfg.Network)
	}
	if cfg.ChainSourceBaseURL == "" {
		return errors.New("config: chainsource_base_url is required")
	}
	if cfg.UFVKEncryptionKeyHex == "" {
		return errors.New("config: ufvk_encryption_key is required")
	}
	if len(cfg.AllowedOrigins) > 0 && cfg.Network != Mainnet {
		return errors.New("config: allowed_origins is only meaningful on mainnet")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIPHERPAY_NETWORK"); v != "" {
		cfg.Network = Network(v)
	}
	if v := os.Getenv("CIPHERPAY_CHAINSOURCE_BASE_URL"); v != "" {
		cfg.ChainSourceBaseURL = v
	}
	if v := os.Getenv("CIPHERPAY_UFVK_ENCRYPTION_KEY"); v != "" {
		cfg.UFVKEncryptionKeyHex = v
	}
	if v := os.Getenv("CIPHERPAY_MEMPOOL_POLL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MempoolPollSecs = n
		}
	}
	if v := os.Getenv("CIPHERPAY_BLOCK_POLL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlockPollSecs = n
		}
	}
	if v := os.Getenv("CIPHERPAY_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
}

func applyProperties(cfg *Config, props *properties.Properties) {
	if v, ok := props.Get("mempool_poll_secs"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MempoolPollSecs = n
		}
	}
	if v, ok := props.Get("block_poll_secs"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlockPollSecs = n
		}
	}
	if v, ok := props.Get("webhook_max_attempts"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebhookMaxAttempts = n
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// String implements fmt.Stringer for log-friendly summaries at startup.
func (c *Config) String() string {
	return fmt.Sprintf("network=%s chainsource=%s mempool_poll=%s block_poll=%s",
		c.Network, c.ChainSourceBaseURL, c.MempoolPollInterval, c.BlockPollInterval)
}
