// Package config holds the coordinator configuration. Values are read from
// MACI_* environment variables and can be overridden by command line flags.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	flag "github.com/spf13/pflag"
	"github.com/vocdoni/maci-coordinator/log"
)

// Proof systems selectable with Prover.
const (
	ProverGnark  = "gnark"
	ProverCircom = "circom"
)

// Config is the coordinator configuration.
type Config struct {
	DataDir   string `env:"MACI_DATADIR"    envDefault:".maci"`
	LogLevel  string `env:"MACI_LOG_LEVEL"  envDefault:"info"`
	LogOutput string `env:"MACI_LOG_OUTPUT" envDefault:"stderr"`
	// KeysDir stores the groth16 keys. Empty means DataDir/keys.
	KeysDir        string `env:"MACI_KEYS_DIR"`
	AccountPrivKey string `env:"MACI_ACCOUNT_PRIVKEY"`
	Prover         string `env:"MACI_PROVER" envDefault:"gnark"`
	// Timeout bounds each operation run from the command line. Zero means
	// no timeout.
	Timeout       time.Duration `env:"MACI_TIMEOUT"`
	APIHost       string        `env:"MACI_API_HOST"       envDefault:"0.0.0.0"`
	APIPort       int           `env:"MACI_API_PORT"       envDefault:"9090"`
	SuiteParallel int           `env:"MACI_SUITE_PARALLEL" envDefault:"4"`
	Circuit       CircuitConfig `envPrefix:"MACI_CIRCUIT_"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// BindFlags registers the flags overriding the configuration on fs, with
// the current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVarP(&c.DataDir, "datadir", "d", c.DataDir, "data directory of the coordinator database")
	fs.StringVar(&c.LogLevel, "log.level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogOutput, "log.output", c.LogOutput, "log output (stdout, stderr or filepath)")
	fs.StringVar(&c.KeysDir, "keysdir", c.KeysDir, "directory of the proving keys (default <datadir>/keys)")
	fs.StringVar(&c.AccountPrivKey, "privkey", c.AccountPrivKey, "hex private key of the chain account")
	fs.StringVar(&c.Prover, "prover", c.Prover, "proof system: gnark or circom")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "timeout of the operation, 0 means none")
	fs.StringVar(&c.APIHost, "api.host", c.APIHost, "API host")
	fs.IntVar(&c.APIPort, "api.port", c.APIPort, "API port")
	fs.IntVar(&c.SuiteParallel, "parallel", c.SuiteParallel, "suites run at once")
	c.Circuit.bindFlags(fs)
}

// Validate checks the configuration and fills the derived defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("empty data directory")
	}
	switch c.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.KeysDir == "" {
		c.KeysDir = filepath.Join(c.DataDir, "keys")
	}
	switch c.Prover {
	case ProverGnark:
	case ProverCircom:
		if err := c.Circuit.validate(); err != nil {
			return fmt.Errorf("circom prover: %w", err)
		}
	default:
		return fmt.Errorf("unknown prover %q", c.Prover)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", c.APIPort)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	return nil
}

// StorageDir is the directory of the checkpoint store.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "coordinator")
}

// ChainDir is the directory of the local chain state.
func (c *Config) ChainDir() string {
	return filepath.Join(c.DataDir, "chain")
}
