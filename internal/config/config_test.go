package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "defguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), perm))
	return path
}

func daemonFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("defguardd", pflag.ContinueOnError)
	flags.StringP("state-dir", "d", Default().StateDir, "")
	flags.StringP("log-level", "l", "info", "")
	flags.String("log-format", "text", "")
	flags.String("debug-addr", "", "")
	return flags
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
state-dir: /srv/defguard
secret-key-file: /etc/defguard/master.key
snapshot-interval: 30s
token-ttl: 1h
debug-addr: 127.0.0.1:9000
log:
  level: debug
  format: json
gateway:
  heartbeat-period: 10s
  grace-period-multiplier: 5
`, 0600)

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/defguard", c.StateDir)
	assert.Equal(t, "/etc/defguard/master.key", c.SecretKeyFile)
	assert.Equal(t, 30*time.Second, c.SnapshotInterval)
	assert.Equal(t, time.Hour, c.TokenTTL)
	assert.Equal(t, "127.0.0.1:9000", c.DebugAddr)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 10*time.Second, c.Gateway.HeartbeatPeriod)
	assert.Equal(t, 5, c.Gateway.GracePeriodMultiplier)
}

func TestLoadFilePartial(t *testing.T) {
	path := writeConfigFile(t, "state-dir: /srv/defguard\n", 0600)

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/defguard", c.StateDir)
	assert.Equal(t, Default().SnapshotInterval, c.SnapshotInterval)
	assert.Equal(t, Default().Log, c.Log)
	assert.Equal(t, Default().Gateway, c.Gateway)
}

func TestLoadFileSharedPerms(t *testing.T) {
	path := writeConfigFile(t, "state-dir: /srv/defguard\n", 0644)

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readable by group or others")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DEFGUARD_LOG_LEVEL", "warning")
	t.Setenv("DEFGUARD_GATEWAY_HEARTBEAT_PERIOD", "15s")

	c, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "warning", c.Log.Level)
	assert.Equal(t, 15*time.Second, c.Gateway.HeartbeatPeriod)
}

func TestLoadFlagOverride(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
  format: json
`, 0600)

	flags := daemonFlags()
	require.NoError(t, flags.Parse([]string{"--log-level", "error"}))

	c, err := Load(path, flags)
	require.NoError(t, err)

	// The explicitly set flag wins over the file; the untouched
	// log-format flag does not shadow the file's value.
	assert.Equal(t, "error", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		mutate func(*Config)
		errmsg string
	}{
		{
			desc:   "missing state dir",
			mutate: func(c *Config) { c.StateDir = "" },
			errmsg: "state-dir must be provided",
		},
		{
			desc:   "unknown log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			errmsg: "unknown log level",
		},
		{
			desc:   "unknown log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			errmsg: "unknown log format",
		},
		{
			desc:   "negative snapshot interval",
			mutate: func(c *Config) { c.SnapshotInterval = -time.Second },
			errmsg: "snapshot-interval cannot be negative",
		},
		{
			desc:   "negative token ttl",
			mutate: func(c *Config) { c.TokenTTL = -time.Second },
			errmsg: "token-ttl cannot be negative",
		},
		{
			desc:   "zero heartbeat period",
			mutate: func(c *Config) { c.Gateway.HeartbeatPeriod = 0 },
			errmsg: "heartbeat-period must be positive",
		},
		{
			desc:   "zero grace period multiplier",
			mutate: func(c *Config) { c.Gateway.GracePeriodMultiplier = 0 },
			errmsg: "grace-period-multiplier must be at least 1",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errmsg)
		})
	}

	assert.NoError(t, Default().Validate())
}
