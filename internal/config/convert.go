package config

import (
	"dqx0.com/go/securefetch/httpx"
	"dqx0.com/go/securefetch/internal/obs"
)

// ToHTTPX returns the client configuration. Logger and Meter are left for
// the caller.
func (c *Config) ToHTTPX() httpx.Config {
	policy := httpx.TrustRequired
	if c.Trust.Policy == "insecure" {
		policy = httpx.TrustInsecure
	}
	var pem []byte
	if c.Trust.BundlePEM != "" {
		pem = []byte(c.Trust.BundlePEM)
	}
	return httpx.Config{
		TrustAnchors:     pem,
		TrustFile:        c.Trust.BundleFile,
		TrustDomain:      c.Trust.Domain,
		Policy:           policy,
		ConnectTimeout:   c.Timeouts.Connect,
		HandshakeTimeout: c.Timeouts.Handshake,
		WriteTimeout:     c.Timeouts.Write,
		ReadTimeout:      c.Timeouts.Read,
		WriteSliceBytes:  c.IO.WriteSliceBytes,
		ReadBufferBytes:  c.IO.ReadBufferBytes,
		MaxHeaderBytes:   c.IO.MaxHeaderBytes,
		MaxBodyBytes:     c.IO.MaxBodyBytes,
		PollInterval:     c.IO.PollInterval,
		Retry: httpx.RetryPolicy{
			MaxRetries:      c.Retry.MaxRetries,
			InitialInterval: c.Retry.InitialInterval,
			MaxInterval:     c.Retry.MaxInterval,
		},
		UserAgent: c.IO.UserAgent,
	}
}

func (c *Config) ToLogConfig() obs.LogConfig {
	return obs.LogConfig{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
