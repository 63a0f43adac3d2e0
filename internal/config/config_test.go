package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/securefetch/httpx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "securefetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
trust:
  bundle_file: /etc/securefetch/ca.pem
  domain: example.org
  policy: Insecure
timeouts:
  connect: 2s
  read: 1m
retry:
  max_retries: 5
  initial_interval: 5ms
  max_interval: 200ms
io:
  write_slice_bytes: 1024
  max_body_bytes: 1048576
  user_agent: fetch/1.0
log:
  level: debug
  format: json
  file: /var/log/securefetch.log
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "insecure", cfg.Trust.Policy)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, httpx.DefaultHandshakeTimeout, cfg.Timeouts.Handshake)
	assert.Equal(t, time.Minute, cfg.Timeouts.Read)
	assert.Equal(t, httpx.DefaultReadBufferBytes, cfg.IO.ReadBufferBytes)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)

	hc := cfg.ToHTTPX()
	assert.Equal(t, "/etc/securefetch/ca.pem", hc.TrustFile)
	assert.Nil(t, hc.TrustAnchors)
	assert.Equal(t, "example.org", hc.TrustDomain)
	assert.Equal(t, httpx.TrustInsecure, hc.Policy)
	assert.Equal(t, 1024, hc.WriteSliceBytes)
	assert.Equal(t, int64(1<<20), hc.MaxBodyBytes)
	assert.Equal(t, httpx.RetryPolicy{MaxRetries: 5, InitialInterval: 5 * time.Millisecond, MaxInterval: 200 * time.Millisecond}, hc.Retry)
	assert.Equal(t, "fetch/1.0", hc.UserAgent)

	lc := cfg.ToLogConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "/var/log/securefetch.log", lc.File)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "trust:\n  bundle_pem: |\n    -----BEGIN CERTIFICATE-----\n")
	t.Setenv("SECUREFETCH_READ_TIMEOUT", "750ms")
	t.Setenv("SECUREFETCH_MAX_RETRIES", "3")
	t.Setenv("SECUREFETCH_LOG_LEVEL", "warn")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.Read)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "required", cfg.Trust.Policy)
	assert.Equal(t, httpx.DefaultTrustDomain, cfg.Trust.Domain)
	assert.NotEmpty(t, cfg.ToHTTPX().TrustAnchors)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SECUREFETCH_TRUST_BUNDLE_FILE", "/ca.pem")
	t.Setenv("SECUREFETCH_WRITE_SLICE_BYTES", "4096")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/ca.pem", cfg.Trust.BundleFile)
	assert.Equal(t, 4096, cfg.IO.WriteSliceBytes)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("SECUREFETCH_TRUST_BUNDLE_FILE", "/ca.pem")
	for name, value := range map[string]string{
		"SECUREFETCH_CONNECT_TIMEOUT": "soon",
		"SECUREFETCH_MAX_RETRIES":     "many",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := LoadFromEnv()
			assert.ErrorContains(t, err, name)
		})
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = LoadFromFile(writeConfig(t, "trust: [unclosed"))
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Trust: TrustConfig{BundleFile: "/ca.pem"}}
		applyDefaults(cfg)
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]struct {
		mod  func(*Config)
		want string
	}{
		"no anchors":     {func(c *Config) { c.Trust.BundleFile = "" }, "is required"},
		"both anchors":   {func(c *Config) { c.Trust.BundlePEM = "x" }, "mutually exclusive"},
		"domain url":     {func(c *Config) { c.Trust.Domain = "https://example.org" }, "trust.domain"},
		"bad policy":     {func(c *Config) { c.Trust.Policy = "lenient" }, "trust.policy"},
		"zero timeout":   {func(c *Config) { c.Timeouts.Read = -time.Second }, "timeouts.read"},
		"interval order": {func(c *Config) { c.Retry.MaxInterval = time.Microsecond }, "retry.max_interval"},
		"neg retries":    {func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		"neg body limit": {func(c *Config) { c.IO.MaxBodyBytes = -1 }, "io.max_body_bytes"},
		"log format":     {func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.mod(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
