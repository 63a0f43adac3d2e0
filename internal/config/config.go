// Package config loads the securefetch client configuration from YAML and
// SECUREFETCH_* environment variables.
package config

import "time"

// Config is the on-disk configuration of the fetch client.
type Config struct {
	Trust    TrustConfig    `yaml:"trust"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
	IO       IOConfig       `yaml:"io"`
	Log      LogConfig      `yaml:"log"`
}

// TrustConfig names the trust anchors. Exactly one of BundleFile and
// BundlePEM is required.
type TrustConfig struct {
	BundleFile string `yaml:"bundle_file"`
	BundlePEM  string `yaml:"bundle_pem"`
	Domain     string `yaml:"domain"`
	// Policy is "required" or "insecure".
	Policy string `yaml:"policy"`
}

type TimeoutsConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Handshake time.Duration `yaml:"handshake"`
	Write     time.Duration `yaml:"write"`
	Read      time.Duration `yaml:"read"`
}

type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type IOConfig struct {
	WriteSliceBytes int           `yaml:"write_slice_bytes"`
	ReadBufferBytes int           `yaml:"read_buffer_bytes"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	UserAgent       string        `yaml:"user_agent"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}
