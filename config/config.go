package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	// Backend selects the storage engine: "leveldb", "bolt" or "memory".
	Backend         string `toml:"Backend"`
	Env             string `toml:"Env"`
	OperatorAccount string `toml:"OperatorAccount"`
	// StorageByteCost is the token price charged per stored byte, as a
	// decimal string.
	StorageByteCost string `toml:"StorageByteCost"`
	// ReservedOverhead is withheld from the extractable surplus, as a
	// decimal string. An explicit constant, not derived.
	ReservedOverhead   string  `toml:"ReservedOverhead"`
	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
}

func defaults() *Config {
	return &Config{
		ListenAddress: ":7341",
		DataDir:       "./trustmesh-data",
		Backend:       "leveldb",
		Env:           "local",
		// 10^19 token units per byte, the customary storage price on the
		// ledgers this fronts.
		StorageByteCost: "10000000000000000000",
		// 2 * 10^24: covers the system's own record keeping.
		ReservedOverhead:   "2000000000000000000000000",
		RateLimitPerMinute: 600,
		RateLimitBurst:     30,
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("config: unsupported backend %q", c.Backend)
	}
	if _, err := c.ByteCost(); err != nil {
		return err
	}
	if _, err := c.Reserved(); err != nil {
		return err
	}
	return nil
}

// ByteCost parses StorageByteCost.
func (c *Config) ByteCost() (*big.Int, error) {
	return parseAmount("StorageByteCost", c.StorageByteCost)
}

// Reserved parses ReservedOverhead.
func (c *Config) Reserved() (*big.Int, error) {
	return parseAmount("ReservedOverhead", c.ReservedOverhead)
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must be a non-negative decimal, got %q", field, value)
	}
	return amount, nil
}
