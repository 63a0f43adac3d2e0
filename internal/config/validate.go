package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTrust(); err != nil {
		return err
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.handshake", c.Timeouts.Handshake},
		{"timeouts.write", c.Timeouts.Write},
		{"timeouts.read", c.Timeouts.Read},
		{"retry.initial_interval", c.Retry.InitialInterval},
		{"retry.max_interval", c.Retry.MaxInterval},
		{"io.poll_interval", c.IO.PollInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.key, d.val)
		}
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval (%v) must not be less than retry.initial_interval (%v)",
			c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.IO.WriteSliceBytes <= 0 || c.IO.ReadBufferBytes <= 0 {
		return fmt.Errorf("io.write_slice_bytes and io.read_buffer_bytes must be positive")
	}
	if c.IO.MaxHeaderBytes < 0 || c.IO.MaxBodyBytes < 0 {
		return fmt.Errorf("io.max_header_bytes and io.max_body_bytes must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json', got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) validateTrust() error {
	t := c.Trust
	switch {
	case t.BundleFile == "" && t.BundlePEM == "":
		return fmt.Errorf("trust.bundle_file or trust.bundle_pem is required")
	case t.BundleFile != "" && t.BundlePEM != "":
		return fmt.Errorf("trust.bundle_file and trust.bundle_pem are mutually exclusive")
	}
	if strings.Contains(t.Domain, "://") || strings.Contains(t.Domain, "/") {
		return fmt.Errorf("trust.domain must be a bare name, got %q", t.Domain)
	}
	switch t.Policy {
	case "required", "insecure":
	default:
		return fmt.Errorf("trust.policy must be 'required' or 'insecure', got %q", t.Policy)
	}
	return nil
}
