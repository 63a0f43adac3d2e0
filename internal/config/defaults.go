package config

import (
	"strings"

	"dqx0.com/go/securefetch/httpx"
)

const (
	DefaultPolicy    = "required"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// applyDefaults fills zero values. Timeouts and sizes take the httpx
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.Trust.Domain == "" {
		cfg.Trust.Domain = httpx.DefaultTrustDomain
	}
	cfg.Trust.Policy = strings.ToLower(strings.TrimSpace(cfg.Trust.Policy))
	if cfg.Trust.Policy == "" {
		cfg.Trust.Policy = DefaultPolicy
	}
	t := &cfg.Timeouts
	if t.Connect == 0 {
		t.Connect = httpx.DefaultConnectTimeout
	}
	if t.Handshake == 0 {
		t.Handshake = httpx.DefaultHandshakeTimeout
	}
	if t.Write == 0 {
		t.Write = httpx.DefaultWriteTimeout
	}
	if t.Read == 0 {
		t.Read = httpx.DefaultReadTimeout
	}
	r := httpx.DefaultRetryPolicy()
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = r.InitialInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = r.MaxInterval
	}
	if cfg.IO.WriteSliceBytes == 0 {
		cfg.IO.WriteSliceBytes = httpx.DefaultWriteSliceBytes
	}
	if cfg.IO.ReadBufferBytes == 0 {
		cfg.IO.ReadBufferBytes = httpx.DefaultReadBufferBytes
	}
	if cfg.IO.PollInterval == 0 {
		cfg.IO.PollInterval = httpx.DefaultPollInterval
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
}
