package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dqx0.com/go/securefetch/httpx/internal/http1"
	"dqx0.com/go/securefetch/internal/obs"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteSliceBytes  = 4000
	DefaultReadBufferBytes  = 4096
)

// Config configures a Client. Exactly one of TrustAnchors and TrustFile
// supplies the trust anchors.
type Config struct {
	TrustAnchors []byte
	TrustFile    string
	TrustDomain  string
	Policy       TrustPolicy

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration

	// WriteSliceBytes bounds each plaintext write to the channel.
	WriteSliceBytes int
	// ReadBufferBytes bounds each read from the channel.
	ReadBufferBytes int
	MaxLineBytes    int
	MaxHeaderBytes  int
	// MaxBodyBytes limits a collected response body; 0 means no limit.
	// Bodies streamed to OnBody are not limited.
	MaxBodyBytes int64
	PollInterval time.Duration
	Retry        RetryPolicy

	// NewTransport returns the raw transport for one exchange. The default
	// is a NetTransport using Dial, if set.
	NewTransport func() Transport
	Dial         func(ctx context.Context, network, addr string) (net.Conn, error)

	// TraceStateKey, if set, adds key=<span id> to propagated tracestate.
	TraceStateKey string
	UserAgent     string

	Logger obs.Logger
	Meter  obs.Meter
	Clock  func() time.Time
}

// Client sends HTTPS requests, one at a time, each over a fresh channel.
// The most recent failure stays available from LastError until the next
// failure replaces it.
type Client struct {
	cfg   Config
	trust *TrustStore

	mu       sync.Mutex
	defaults Header

	errMu   sync.Mutex
	lastErr error
}

// NewClient validates cfg and loads its trust anchors.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	var (
		ts  *TrustStore
		err error
	)
	switch {
	case cfg.TrustFile != "" && len(cfg.TrustAnchors) > 0:
		return nil, newError(KindTrustStore, "new client", errors.New("both TrustAnchors and TrustFile set"))
	case cfg.TrustFile != "":
		ts, err = LoadTrustBundle(cfg.TrustDomain, cfg.TrustFile)
	default:
		ts, err = ParseTrustBundle(cfg.TrustDomain, cfg.TrustAnchors)
	}
	if err != nil {
		cfg.Logger.Logf(obs.Error, "trust anchors rejected: %v", err)
		return nil, err
	}
	if cfg.Policy == TrustInsecure {
		cfg.Logger.Logf(obs.Warn, "trust policy is insecure: certificate verification failures will not abort requests")
	}
	cfg.Logger.Logf(obs.Debug, "loaded %s", ts)
	c := &Client{cfg: cfg, trust: ts}
	if cfg.UserAgent != "" {
		c.defaults.Set("User-Agent", cfg.UserAgent)
	}
	return c, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteSliceBytes <= 0 {
		cfg.WriteSliceBytes = DefaultWriteSliceBytes
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = DefaultReadBufferBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = obs.NopLogger{}
	}
	if cfg.Meter == nil {
		cfg.Meter = obs.NopMeter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// SetHeader sets a header sent with every request. Fields set on the
// request itself take precedence.
func (c *Client) SetHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults.Set(name, value)
}

// LastError returns the most recent failure, or nil if none occurred.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// LastErrorKind is KindOf(LastError()).
func (c *Client) LastErrorKind() ErrorKind { return KindOf(c.LastError()) }

func (c *Client) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Do builds a request for method and rawURL and sends it.
func (c *Client) Do(ctx context.Context, method Method, rawURL string, body []byte) (*Response, error) {
	req, err := NewRequest(method, rawURL, body)
	if err != nil {
		c.cfg.Meter.Counter("httpx_client_requests_total", 1)
		c.report(string(method)+" "+rawURL, err)
		return nil, err
	}
	return c.Send(ctx, req)
}

// Send performs one exchange. It returns a complete response or an
// *Error, never both; the channel is closed either way.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.cfg.Clock()
	c.cfg.Meter.Counter("httpx_client_requests_total", 1)
	resp, err := c.exchange(ctx, req)
	c.cfg.Meter.Histogram("httpx_client_exchange_duration_ms", float64(c.cfg.Clock().Sub(start).Milliseconds()))
	if err != nil {
		c.report(describe(req), err)
		return nil, err
	}
	c.cfg.Logger.Logf(obs.Info, "%s -> %s (%d body bytes)", describe(req), resp.Status(), len(resp.Body))
	return resp, nil
}

// report records a failed request in the last-error slot, the error
// counter and the log.
func (c *Client) report(desc string, err error) {
	c.setLastError(err)
	c.cfg.Meter.Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: stageOf(KindOf(err))})
	c.cfg.Logger.Logf(obs.Error, "%s failed: %v", desc, err)
}

func describe(req *Request) string {
	if req == nil || req.URL == nil {
		return "request"
	}
	return string(req.Method) + " " + req.URL.String()
}

func (c *Client) exchange(ctx context.Context, req *Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	head, err := req.head(nil, c.outboundHeader(ctx, req))
	if err != nil {
		return nil, err
	}

	ch := NewChannel(c.newTransport(), ChannelConfig{
		Trust:      c.trust,
		Policy:     c.cfg.Policy,
		Clock:      c.cfg.Clock,
		NewBackOff: c.cfg.Retry.pollBackOff,
		Logger:     c.cfg.Logger,
		Meter:      c.cfg.Meter,
	})
	defer ch.Close()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	err = ch.Connect(cctx, req.URL.Host, req.URL.Port)
	cancel()
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	err = ch.Handshake(hctx)
	cancel()
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	err = c.writeRequest(wctx, ch, req, head)
	cancel()
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()
	return c.readResponse(rctx, ch, req)
}

// outboundHeader returns the client defaults plus correlation fields that
// the request does not already carry.
func (c *Client) outboundHeader(ctx context.Context, req *Request) *Header {
	h := c.defaults.Clone()
	if !req.Header.Has("X-Request-ID") && !h.Has("X-Request-ID") {
		id, ok := RequestIDFrom(ctx)
		if !ok {
			id = genID()
		}
		h.Set("X-Request-ID", id)
	}
	if id, ok := CorrelationIDFrom(ctx); ok && !req.Header.Has("X-Correlation-ID") {
		h.Set("X-Correlation-ID", id)
	}
	if tr, ok := TraceFrom(ctx); ok && !req.Header.Has("Traceparent") {
		if tp, span, ok := childTraceparent(tr); ok {
			h.Set("Traceparent", tp)
			ts := NewTraceStateBuilder(tr.State)
			if c.cfg.TraceStateKey != "" {
				ts.Set(c.cfg.TraceStateKey, span)
			}
			if s := ts.String(); s != "" {
				h.Set("Tracestate", s)
			}
		}
	}
	return &h
}

func (c *Client) newTransport() Transport {
	if c.cfg.NewTransport != nil {
		return c.cfg.NewTransport()
	}
	return &NetTransport{PollInterval: c.cfg.PollInterval, Dial: c.cfg.Dial}
}

// writeRequest sends head and body in slices of at most WriteSliceBytes and
// flushes the channel.
func (c *Client) writeRequest(ctx context.Context, ch *Channel, req *Request, head []byte) error {
	bo := c.cfg.Retry.newBackOff(ctx)
	if err := c.writeAll(ctx, ch, bo, head); err != nil {
		return err
	}
	switch {
	case req.BodyReader != nil:
		if err := c.writeStream(ctx, ch, bo, req); err != nil {
			return err
		}
	case len(req.Body) > 0:
		if err := c.writeAll(ctx, ch, bo, req.Body); err != nil {
			return err
		}
	}
	for {
		err := ch.Flush()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if err := waitRetry(ctx, bo); err != nil {
			return newError(KindWrite, "flush", err)
		}
	}
}

func (c *Client) writeAll(ctx context.Context, ch *Channel, bo backoff.BackOff, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), c.cfg.WriteSliceBytes)
		w, err := ch.Write(p[:n])
		if errors.Is(err, ErrWouldBlock) {
			if err := waitRetry(ctx, bo); err != nil {
				return newError(KindWrite, "write", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		bo.Reset()
		c.cfg.Meter.Counter("httpx_client_bytes_written_total", float64(w))
		p = p[w:]
	}
	return nil
}

// writeStream drains BodyReader, framing it with chunked coding when
// ContentLength is -1 and checking the declared length otherwise.
func (c *Client) writeStream(ctx context.Context, ch *Channel, bo backoff.BackOff, req *Request) error {
	chunked := req.ContentLength < 0
	buf := make([]byte, c.cfg.WriteSliceBytes)
	var frame []byte
	var sent int64
	for {
		n, rerr := req.BodyReader.Read(buf)
		if n > 0 {
			sent += int64(n)
			if !chunked && sent > req.ContentLength {
				return newError(KindInvalidRequest, "write body", fmt.Errorf("%w: more than %d bytes", ErrBodyLength, req.ContentLength))
			}
			p := buf[:n]
			if chunked {
				frame = http1.AppendChunk(frame[:0], p)
				p = frame
			}
			if err := c.writeAll(ctx, ch, bo, p); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return newError(KindWrite, "read body", rerr)
		}
	}
	if chunked {
		return c.writeAll(ctx, ch, bo, http1.AppendLastChunk(nil))
	}
	if sent != req.ContentLength {
		return newError(KindInvalidRequest, "write body", fmt.Errorf("%w: got %d of %d bytes", ErrBodyLength, sent, req.ContentLength))
	}
	return nil
}

// readResponse feeds channel reads to the parser until the response is
// complete or the peer closes the stream.
func (c *Client) readResponse(ctx context.Context, ch *Channel, req *Request) (*Response, error) {
	sink := newResponseSink(req.OnBody, c.cfg.MaxBodyBytes)
	p := http1.NewParser(string(req.Method), sink, http1.Limits{
		MaxLineBytes:   c.cfg.MaxLineBytes,
		MaxHeaderBytes: c.cfg.MaxHeaderBytes,
	})
	bo := c.cfg.Retry.newBackOff(ctx)
	buf := make([]byte, c.cfg.ReadBufferBytes)
	for !p.Done() {
		n, err := ch.Read(buf)
		if n > 0 {
			bo.Reset()
			c.cfg.Meter.Counter("httpx_client_bytes_read_total", float64(n))
			used, perr := p.Feed(buf[:n])
			if perr != nil {
				return nil, newError(KindParse, "parse response", perr)
			}
			if used != n {
				return nil, newError(KindParse, "parse response", fmt.Errorf("consumed %d of %d bytes", used, n))
			}
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			if err := waitRetry(ctx, bo); err != nil {
				return nil, newError(KindRead, "read", err)
			}
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := p.Finish(); err != nil {
		return nil, newError(KindParse, "parse response", err)
	}
	resp := sink.resp
	resp.ContentLength = p.ContentLength()
	resp.Complete = true
	return resp, nil
}
