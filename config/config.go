package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stablecore/crypto"
	"stablecore/native/lending"
)

// Config is the top-level daemon configuration. Big-integer amounts are TOML
// strings so precision survives the decode.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Service       string `toml:"Service"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile"`

	StableSymbol       string `toml:"StableSymbol"`
	GuardianAddress    string `toml:"GuardianAddress"`
	OracleAddress      string `toml:"OracleAddress"`
	ProtocolFeeAddress string `toml:"ProtocolFeeAddress"`

	OracleMaxAgeSecs uint64 `toml:"OracleMaxAgeSecs"`
	EpochGenesis     string `toml:"EpochGenesis"`
	EpochLengthSecs  uint64 `toml:"EpochLengthSecs"`

	Pairs []lending.PairConfig `toml:"Pairs"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Service) == "" {
		c.Service = "cdpd"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.StableSymbol) == "" {
		c.StableSymbol = "cusd"
	}
	if c.OracleMaxAgeSecs == 0 {
		c.OracleMaxAgeSecs = 300
	}
	if c.EpochLengthSecs == 0 {
		c.EpochLengthSecs = 3600
	}
	if strings.TrimSpace(c.EpochGenesis) == "" {
		c.EpochGenesis = "2024-01-01T00:00:00Z"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("config: ListenAddress must not be empty")
	}
	if _, err := time.Parse(time.RFC3339, c.EpochGenesis); err != nil {
		return fmt.Errorf("config: EpochGenesis must be RFC3339: %w", err)
	}
	if c.EpochLengthSecs == 0 {
		return errors.New("config: EpochLengthSecs must be positive")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"GuardianAddress", c.GuardianAddress},
		{"OracleAddress", c.OracleAddress},
		{"ProtocolFeeAddress", c.ProtocolFeeAddress},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(field.value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", field.name, err)
		}
	}
	seen := make(map[string]struct{}, len(c.Pairs))
	for _, pair := range c.Pairs {
		if err := pair.Validate(); err != nil {
			return err
		}
		if _, dup := seen[pair.ID]; dup {
			return fmt.Errorf("config: duplicate pair %q", pair.ID)
		}
		seen[pair.ID] = struct{}{}
	}
	return nil
}

// EpochWindow returns the parsed epoch genesis and length.
func (c *Config) EpochWindow() (time.Time, time.Duration, error) {
	genesis, err := time.Parse(time.RFC3339, c.EpochGenesis)
	if err != nil {
		return time.Time{}, 0, err
	}
	return genesis, time.Duration(c.EpochLengthSecs) * time.Second, nil
}

// OracleMaxAge returns the staleness bound for posted prices.
func (c *Config) OracleMaxAge() time.Duration {
	return time.Duration(c.OracleMaxAgeSecs) * time.Second
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
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
