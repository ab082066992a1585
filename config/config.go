// Package config loads the host configuration of a Lock Master client.
//
// Values come from three layers, later layers winning: built-in defaults, an
// optional file (.toml, .yaml/.yml, .json/.jsonc), and LOCK_* environment
// variables.
//
//	cfg, err := config.Load(os.Getenv("LOCK_CONFIG_FILE"))
//	if err != nil { return err }
//	if err := cfg.Validate(); err != nil { return err }
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/joeshaw/envdecode"
)

// Defaults.
const (
	DefaultApplicationName    = "cedarling"
	DefaultStageTimeout       = 30 * time.Second
	DefaultMaxBundleBytes     = 32 << 20
	DefaultRefetchMinInterval = 5 * time.Second
	DefaultReconnectInitial   = time.Second
	DefaultReconnectMax       = time.Minute
	DefaultRedisKeyPrefix     = "lock:status:"
)

// Config is the complete host configuration.
type Config struct {
	// LockMasterURL is the base URL of the Lock Master.
	LockMasterURL string `json:"lock_master_url" yaml:"lock_master_url" toml:"lock_master_url" env:"LOCK_MASTER_URL" jsonschema:"required,format=uri"`
	// PolicyStoreID selects the policy store to fetch.
	PolicyStoreID string `json:"policy_store_id" yaml:"policy_store_id" toml:"policy_store_id" env:"LOCK_POLICY_STORE_ID" jsonschema:"required"`
	// EnableDynamicConfiguration starts the live sync channel.
	EnableDynamicConfiguration bool `json:"enable_dynamic_configuration,omitempty" yaml:"enable_dynamic_configuration" toml:"enable_dynamic_configuration" env:"LOCK_ENABLE_DYNAMIC_CONFIGURATION"`
	// SoftwareStatement is the SSA JWT. Mutually exclusive with
	// SoftwareStatementFile.
	SoftwareStatement string `json:"software_statement,omitempty" yaml:"software_statement" toml:"software_statement" env:"LOCK_SOFTWARE_STATEMENT"`
	// SoftwareStatementFile is read when SoftwareStatement is empty.
	SoftwareStatementFile string `json:"software_statement_file,omitempty" yaml:"software_statement_file" toml:"software_statement_file" env:"LOCK_SOFTWARE_STATEMENT_FILE"`
	// ApplicationName is the client_name sent at registration.
	ApplicationName string `json:"application_name,omitempty" yaml:"application_name" toml:"application_name" env:"LOCK_APPLICATION_NAME"`
	// DecompressBundle inflates the bundle as zlib.
	DecompressBundle bool `json:"decompress_bundle,omitempty" yaml:"decompress_bundle" toml:"decompress_bundle" env:"LOCK_DECOMPRESS_BUNDLE"`
	// StageTimeout bounds each bootstrap stage.
	StageTimeout Duration `json:"stage_timeout,omitempty" yaml:"stage_timeout" toml:"stage_timeout" env:"LOCK_STAGE_TIMEOUT"`
	// MaxBundleBytes bounds the transferred and the decompressed bundle.
	MaxBundleBytes int64 `json:"max_bundle_bytes,omitempty" yaml:"max_bundle_bytes" toml:"max_bundle_bytes" env:"LOCK_MAX_BUNDLE_BYTES"`
	// RefetchMinInterval throttles bundle re-fetches triggered by live sync.
	RefetchMinInterval Duration `json:"refetch_min_interval,omitempty" yaml:"refetch_min_interval" toml:"refetch_min_interval" env:"LOCK_REFETCH_MIN_INTERVAL"`

	Sync  SyncConfig  `json:"sync,omitempty" yaml:"sync" toml:"sync"`
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis" toml:"redis"`
	Log   LogConfig   `json:"log,omitempty" yaml:"log" toml:"log"`
}

// SyncConfig tunes the live sync channel.
type SyncConfig struct {
	ReconnectInitial Duration `json:"reconnect_initial,omitempty" yaml:"reconnect_initial" toml:"reconnect_initial" env:"LOCK_SYNC_RECONNECT_INITIAL"`
	ReconnectMax     Duration `json:"reconnect_max,omitempty" yaml:"reconnect_max" toml:"reconnect_max" env:"LOCK_SYNC_RECONNECT_MAX"`
	// VerifySignedUpdates accepts signed status updates, verified against
	// the authority's JWKS.
	VerifySignedUpdates bool `json:"verify_signed_updates,omitempty" yaml:"verify_signed_updates" toml:"verify_signed_updates" env:"LOCK_SYNC_VERIFY_SIGNED_UPDATES"`
}

// RedisConfig enables the Redis mirror of the status cache when Addr is set.
type RedisConfig struct {
	Addr      string `json:"addr,omitempty" yaml:"addr" toml:"addr" env:"LOCK_REDIS_ADDR"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix" toml:"key_prefix" env:"LOCK_REDIS_KEY_PREFIX"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level" toml:"level" env:"LOCK_LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `json:"format,omitempty" yaml:"format" toml:"format" env:"LOCK_LOG_FORMAT" jsonschema:"enum=text,enum=json"`
}

// Default returns a Config holding every default.
func Default() Config {
	return Config{
		ApplicationName:    DefaultApplicationName,
		StageTimeout:       Duration(DefaultStageTimeout),
		MaxBundleBytes:     DefaultMaxBundleBytes,
		RefetchMinInterval: Duration(DefaultRefetchMinInterval),
		Sync: SyncConfig{
			ReconnectInitial: Duration(DefaultReconnectInitial),
			ReconnectMax:     Duration(DefaultReconnectMax),
		},
		Redis: RedisConfig{KeyPrefix: DefaultRedisKeyPrefix},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load returns the defaults overlaid with the file at path (skipped when
// path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overwrites the fields of cfg whose LOCK_* variable is set.
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("%w: environment: %w", lockerr.ErrInvalidConfig, err)
	}
	return nil
}

// SoftwareStatementJWT returns the software statement, reading
// SoftwareStatementFile when the inline value is empty.
func (c Config) SoftwareStatementJWT() (string, error) {
	if c.SoftwareStatement != "" {
		return c.SoftwareStatement, nil
	}
	if c.SoftwareStatementFile == "" {
		return "", fmt.Errorf("%w: no software statement configured", lockerr.ErrInvalidConfig)
	}
	b, err := os.ReadFile(c.SoftwareStatementFile)
	if err != nil {
		return "", fmt.Errorf("%w: read software statement: %w", lockerr.ErrInvalidConfig, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	if c.LockMasterURL == "" {
		problems = append(problems, "lock_master_url is required")
	}
	if c.PolicyStoreID == "" {
		problems = append(problems, "policy_store_id is required")
	}
	switch {
	case c.SoftwareStatement == "" && c.SoftwareStatementFile == "":
		problems = append(problems, "software_statement or software_statement_file is required")
	case c.SoftwareStatement != "" && c.SoftwareStatementFile != "":
		problems = append(problems, "software_statement and software_statement_file are mutually exclusive")
	}
	if c.StageTimeout < 0 {
		problems = append(problems, "stage_timeout must not be negative")
	}
	if c.MaxBundleBytes < 0 {
		problems = append(problems, "max_bundle_bytes must not be negative")
	}
	if c.Sync.ReconnectMax > 0 && c.Sync.ReconnectInitial > c.Sync.ReconnectMax {
		problems = append(problems, "sync.reconnect_initial exceeds sync.reconnect_max")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", lockerr.ErrInvalidConfig, strings.Join(problems, "; "))
}

// Abs makes SoftwareStatementFile absolute relative to dir.
func (c *Config) Abs(dir string) {
	if c.SoftwareStatementFile != "" && !filepath.IsAbs(c.SoftwareStatementFile) {
		c.SoftwareStatementFile = filepath.Join(dir, c.SoftwareStatementFile)
	}
}
