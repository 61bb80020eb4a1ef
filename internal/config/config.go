// Package config loads the daemon configuration from a yaml file, the
// environment, and command line flags. Flags that were explicitly set take
// precedence over environment variables, which take precedence over the
// file; everything falls back to the defaults.
//
// Environment variables carry the DEFGUARD_ prefix with dots and dashes
// flattened to underscores, so log.level becomes DEFGUARD_LOG_LEVEL.
package config

import (
	"strings"
	"time"

	"github.com/phayes/permbits"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "defguard"

// Config is the daemon configuration.
type Config struct {
	// StateDir is where the daemon keeps its snapshot file and, unless
	// SecretKeyFile points elsewhere, its secret key.
	StateDir string `mapstructure:"state-dir"`

	// SecretKeyFile overrides the secret key location. Empty selects
	// snapshot.key inside StateDir.
	SecretKeyFile string `mapstructure:"secret-key-file"`

	// SnapshotInterval is how often dirty state is written to disk. Zero
	// disables periodic snapshots; state is still saved on shutdown.
	SnapshotInterval time.Duration `mapstructure:"snapshot-interval"`

	// TokenTTL bounds how long an issued gateway enrollment token stays
	// valid. Zero issues tokens that do not expire.
	TokenTTL time.Duration `mapstructure:"token-ttl"`

	// DebugAddr, when set, serves metrics and profiling endpoints on the
	// given address.
	DebugAddr string `mapstructure:"debug-addr"`

	Log     Log     `mapstructure:"log"`
	Gateway Gateway `mapstructure:"gateway"`
}

// Log selects the daemon's log level and output format.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Gateway holds the liveness parameters for the gateway registry.
type Gateway struct {
	HeartbeatPeriod       time.Duration `mapstructure:"heartbeat-period"`
	GracePeriodMultiplier int           `mapstructure:"grace-period-multiplier"`
}

// Default returns the daemon's default configuration.
func Default() *Config {
	return &Config{
		StateDir:         "/var/lib/defguard",
		SnapshotInterval: 5 * time.Minute,
		TokenTTL:         10 * time.Minute,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Gateway: Gateway{
			HeartbeatPeriod:       5 * time.Second,
			GracePeriodMultiplier: 3,
		},
	}
}

// flagKeys maps configuration keys to the command line flags that
// override them.
var flagKeys = map[string]string{
	"state-dir":  "state-dir",
	"log.level":  "log-level",
	"log.format": "log-format",
	"debug-addr": "debug-addr",
}

// Load reads the configuration. path names a yaml config file; empty skips
// the file and uses environment and defaults only. flags may be nil.
//
// A config file readable by group or others is refused: it can name the
// secret key file and carry addresses the daemon will bind, and deployments
// that set one up expect it to stay private.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("state-dir", defaults.StateDir)
	v.SetDefault("secret-key-file", defaults.SecretKeyFile)
	v.SetDefault("snapshot-interval", defaults.SnapshotInterval)
	v.SetDefault("token-ttl", defaults.TokenTTL)
	v.SetDefault("debug-addr", defaults.DebugAddr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("gateway.heartbeat-period", defaults.Gateway.HeartbeatPeriod)
	v.SetDefault("gateway.grace-period-multiplier", defaults.Gateway.GracePeriodMultiplier)

	if flags != nil {
		for key, name := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, errors.Wrapf(err, "binding flag %s", name)
			}
		}
	}

	if path != "" {
		perms, err := permbits.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if perms.GroupRead() || perms.OtherRead() {
			return nil, errors.Errorf("config file %s is readable by group or others", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("state-dir must be provided")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.SnapshotInterval < 0 {
		return errors.New("snapshot-interval cannot be negative")
	}
	if c.TokenTTL < 0 {
		return errors.New("token-ttl cannot be negative")
	}
	if c.Gateway.HeartbeatPeriod <= 0 {
		return errors.New("gateway heartbeat-period must be positive")
	}
	if c.Gateway.GracePeriodMultiplier < 1 {
		return errors.New("gateway grace-period-multiplier must be at least 1")
	}
	return nil
}
