// Command httpx-fetch sends one HTTPS request and prints the response.
//
//	httpx-fetch -trust ca.pem https://example.org/
//	httpx-fetch -config fetch.yaml -X POST -d @body.json -json data.id https://api.example.org/items
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"dqx0.com/go/securefetch/httpx"
	"dqx0.com/go/securefetch/internal/config"
	"dqx0.com/go/securefetch/internal/obs"
)

type headerList []string

func (h *headerList) String() string { return strings.Join(*h, ", ") }

func (h *headerList) Set(v string) error {
	if _, _, ok := splitHeader(v); !ok {
		return fmt.Errorf("header %q is not in Name: value form", v)
	}
	*h = append(*h, v)
	return nil
}

func splitHeader(v string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(v, ":")
	name = strings.TrimSpace(name)
	return name, strings.TrimSpace(value), ok && name != ""
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("httpx-fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath  = fs.String("config", "", "YAML configuration file")
		trust    = fs.String("trust", "", "PEM trust anchor bundle (without -config)")
		insecure = fs.Bool("insecure", false, "continue when certificate verification fails")
		method   = fs.String("X", "GET", "request method")
		data     = fs.String("d", "", "request body, or @file to read it from a file")
		out      = fs.String("o", "", "stream the response body to this file")
		jsonPath = fs.String("json", "", "print only this gjson path of the response body")
		include  = fs.Bool("i", false, "print the status line and response headers")
		attempts = fs.Int("attempts", 1, "total attempts for retryable failures")
		headers  headerList
	)
	fs.Var(&headers, "H", "request header, Name: value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: httpx-fetch [flags] https://host/path")
		fs.PrintDefaults()
		return 2
	}
	if *out != "" && *jsonPath != "" {
		fmt.Fprintln(stderr, "-o and -json cannot be combined")
		return 2
	}

	cfg, err := loadConfig(*cfgPath, *trust, *insecure)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger, closer := obs.NewLogger(cfg.ToLogConfig())
	defer closer.Close()

	body, err := readBody(*data)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	req, err := httpx.NewRequest(httpx.Method(strings.ToUpper(*method)), fs.Arg(0), body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	for _, h := range headers {
		name, value, _ := splitHeader(h)
		req.Header.Set(name, value)
	}

	hc := cfg.ToHTTPX()
	hc.Logger = logger
	client, err := httpx.NewClient(hc)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger.Logf(obs.Debug, "config: policy=%s connect=%s handshake=%s read=%s slice=%d",
		cfg.Trust.Policy, cfg.Timeouts.Connect, cfg.Timeouts.Handshake, cfg.Timeouts.Read, cfg.IO.WriteSliceBytes)

	resp, err := send(ctx, client, req, *out, *attempts, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *include {
		fmt.Fprintf(stdout, "%s %s\n", resp.Proto, resp.Status())
		resp.Header.Each(func(name, value string) bool {
			fmt.Fprintf(stdout, "%s: %s\n", name, value)
			return true
		})
		fmt.Fprintln(stdout)
	}
	switch {
	case *jsonPath != "":
		r := gjson.GetBytes(resp.Body, *jsonPath)
		if !r.Exists() {
			fmt.Fprintf(stderr, "path %q not found in response body\n", *jsonPath)
			return 1
		}
		fmt.Fprintln(stdout, r.String())
	case *out == "":
		_, _ = stdout.Write(resp.Body)
	}
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}

func loadConfig(path, trust string, insecure bool) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Complete(&config.Config{Trust: config.TrustConfig{BundleFile: trust}})
	}
	if err != nil {
		return nil, err
	}
	if path != "" && trust != "" {
		cfg.Trust.BundleFile, cfg.Trust.BundlePEM = trust, ""
	}
	if insecure {
		cfg.Trust.Policy = "insecure"
	}
	return cfg, nil
}

func readBody(data string) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	default:
		return []byte(data), nil
	}
}

// permanent reports failures a new attempt cannot fix.
func permanent(err error) bool {
	switch httpx.KindOf(err) {
	case httpx.KindTrustStore, httpx.KindCertificate, httpx.KindInvalidRequest:
		return true
	}
	return false
}

// send performs the exchange up to attempts times. With out set, each
// attempt streams the body into a freshly truncated file.
func send(ctx context.Context, c *httpx.Client, req *httpx.Request, out string, attempts int, logger obs.Logger) (*httpx.Response, error) {
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	var resp *httpx.Response
	op := func() error {
		var f *os.File
		if out != "" {
			var err error
			if f, err = os.Create(out); err != nil {
				return backoff.Permanent(err)
			}
			defer f.Close()
			req.OnBody = func(p []byte) error {
				_, err := f.Write(p)
				return err
			}
		}
		r, err := c.Send(ctx, req)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		if f != nil {
			return backoff.Permanent(f.Close())
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		logger.Logf(obs.Warn, "attempt failed (%v), retrying in %s", err, d)
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
		return nil, err
	}
	return resp, nil
}
