package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "SECUREFETCH_"

// applyEnvOverrides overrides config values with SECUREFETCH_* variables.
// Malformed numbers and durations are errors.
func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, name, v, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, name, v, err)
		}
		*dst = d
		return nil
	}

	str("TRUST_BUNDLE_FILE", &cfg.Trust.BundleFile)
	str("TRUST_DOMAIN", &cfg.Trust.Domain)
	str("TRUST_POLICY", &cfg.Trust.Policy)
	str("USER_AGENT", &cfg.IO.UserAgent)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"CONNECT_TIMEOUT", &cfg.Timeouts.Connect},
		{"HANDSHAKE_TIMEOUT", &cfg.Timeouts.Handshake},
		{"WRITE_TIMEOUT", &cfg.Timeouts.Write},
		{"READ_TIMEOUT", &cfg.Timeouts.Read},
		{"POLL_INTERVAL", &cfg.IO.PollInterval},
	} {
		if err := dur(d.name, d.dst); err != nil {
			return err
		}
	}
	for _, n := range []struct {
		name string
		dst  *int
	}{
		{"MAX_RETRIES", &cfg.Retry.MaxRetries},
		{"WRITE_SLICE_BYTES", &cfg.IO.WriteSliceBytes},
		{"READ_BUFFER_BYTES", &cfg.IO.ReadBufferBytes},
	} {
		if err := num(n.name, n.dst); err != nil {
			return err
		}
	}
	return nil
}
