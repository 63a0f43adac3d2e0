package httpx

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/securefetch/httpx/internal/http1"
	"dqx0.com/go/securefetch/httpx/internal/testserver"
	"dqx0.com/go/securefetch/internal/obs"
)

type clientFixture struct {
	*tlsFixture
	client *Client
	meter  *obs.MemoryMeter
	logger *recLogger
}

// newClient serves h for "secure.test" and 127.0.0.1 and returns a client
// that trusts the server. mod adjusts the configuration before use.
func newClient(t *testing.T, h testserver.Handler, mod func(*Config)) *clientFixture {
	t.Helper()
	f := startServer(t, h, testserver.LeafOptions{}, "secure.test", "127.0.0.1")
	cf := &clientFixture{tlsFixture: f, meter: &obs.MemoryMeter{}, logger: &recLogger{}}
	cfg := Config{
		TrustAnchors: f.ca.PEM,
		Dial:         f.srv.Dial,
		PollInterval: 5 * time.Millisecond,
		Retry:        RetryPolicy{InitialInterval: 100 * time.Microsecond, MaxInterval: time.Millisecond},
		Logger:       cf.logger,
		Meter:        cf.meter,
	}
	if mod != nil {
		mod(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	cf.client = c
	return cf
}

func (f *clientFixture) url(path string) string { return f.srv.URL("secure.test", path) }

func echoHandler(w *testserver.ResponseWriter, r *testserver.Request) {
	w.SetHeader("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(200)
	_, _ = w.Write(r.Body)
}

func rawHandler(resp string) testserver.Handler {
	return func(w *testserver.ResponseWriter, r *testserver.Request) {
		_ = w.WriteRaw([]byte(resp))
	}
}

func TestClient_Get(t *testing.T) {
	f := newClient(t, func(w *testserver.ResponseWriter, r *testserver.Request) {
		w.SetHeader("Content-Type", "text/plain")
		w.SetHeader("Set-Cookie", "a=1")
		w.SetHeader("Set-Cookie", "b=2")
		_, _ = w.Write([]byte("hello, "))
		_ = w.Flush()
		_, _ = w.Write([]byte("world"))
	}, func(c *Config) { c.UserAgent = "securefetch-test/1" })

	resp, err := f.client.Do(context.Background(), MethodGet, f.url("/greet?lang=en#top"), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "200 OK", resp.Status())
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "hello, world", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Header.Get("content-type"))
	assert.Equal(t, "a=1, b=2", resp.Header.Get("Set-Cookie"))
	assert.Equal(t, "chunked", resp.Header.Get("Transfer-Encoding"))
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.True(t, resp.Complete)
	assert.False(t, resp.Streamed)
	assert.NoError(t, f.client.LastError())

	reqs := f.srv.Requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "/greet?lang=en", r.Target)
	assert.Equal(t, "HTTP/1.1", r.Proto)
	require.NotEmpty(t, r.Fields)
	assert.Equal(t, "Host", r.Fields[0].Name)
	assert.Equal(t, "secure.test:"+strconv.Itoa(f.srv.Port()), r.Fields[0].Value)
	assert.Equal(t, "securefetch-test/1", r.Get("User-Agent"))
	assert.Equal(t, "0", r.Get("Content-Length"))
	_, err = uuid.Parse(r.Get("X-Request-ID"))
	assert.NoError(t, err)

	assert.Equal(t, 1.0, f.meter.CounterValue("httpx_client_requests_total"))
	assert.Len(t, f.meter.Observations("httpx_client_exchange_duration_ms"), 1)
	assert.Positive(t, f.meter.CounterValue("httpx_client_bytes_read_total"))
	assert.True(t, f.logger.has(obs.Info, "GET https://secure.test:"))
}

func TestClient_IPAddressHost(t *testing.T) {
	f := newClient(t, okHandler, nil)
	resp, err := f.client.Do(context.Background(), MethodGet, f.srv.URL("127.0.0.1", "/"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int64(2), resp.ContentLength)
}

func TestClient_PostBodyInSlices(t *testing.T) {
	body := make([]byte, 10_000)
	_, err := rand.Read(body)
	require.NoError(t, err)
	f := newClient(t, echoHandler, func(c *Config) { c.WriteSliceBytes = 1000 })

	resp, err := f.client.Do(context.Background(), MethodPost, f.url("/upload"), body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, resp.Body))

	r := f.srv.Requests()[0]
	assert.Equal(t, "10000", r.Get("Content-Length"))
	assert.Equal(t, int64(10_000), r.ContentLength)
	assert.True(t, bytes.Equal(body, r.Body))
	assert.GreaterOrEqual(t, f.meter.CounterValue("httpx_client_bytes_written_total"), 10_000.0)
}

func TestClient_EmptyPostCarriesZeroLength(t *testing.T) {
	f := newClient(t, echoHandler, nil)
	resp, err := f.client.Do(context.Background(), MethodPost, f.url("/"), nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "0", f.srv.Requests()[0].Get("Content-Length"))
}

func TestClient_ChunkedRequestBody(t *testing.T) {
	payload := strings.Repeat("stream me ", 1500)
	f := newClient(t, echoHandler, func(c *Config) { c.WriteSliceBytes = 512 })

	req, err := NewRequest(MethodPut, f.url("/stream"), nil)
	require.NoError(t, err)
	req.BodyReader = strings.NewReader(payload)
	req.ContentLength = -1
	resp, err := f.client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, payload, string(resp.Body))

	r := f.srv.Requests()[0]
	assert.Equal(t, "chunked", r.Get("Transfer-Encoding"))
	assert.Empty(t, r.Get("Content-Length"))
	assert.Equal(t, int64(-1), r.ContentLength)
	assert.Equal(t, payload, string(r.Body))
}

func TestClient_SizedRequestReader(t *testing.T) {
	f := newClient(t, echoHandler, nil)
	req, err := NewRequest(MethodPost, f.url("/"), nil)
	require.NoError(t, err)
	req.BodyReader = strings.NewReader("exactly")
	req.ContentLength = 7
	resp, err := f.client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "exactly", string(resp.Body))
	assert.Equal(t, "7", f.srv.Requests()[0].Get("Content-Length"))
}

func TestClient_RequestReaderLengthMismatch(t *testing.T) {
	for name, tc := range map[string]struct {
		body string
		n    int64
	}{
		"short": {"abc", 10},
		"long":  {"abcdef", 3},
	} {
		t.Run(name, func(t *testing.T) {
			f := newClient(t, echoHandler, func(c *Config) { c.WriteSliceBytes = 2 })
			req, err := NewRequest(MethodPost, f.url("/"), nil)
			require.NoError(t, err)
			req.BodyReader = strings.NewReader(tc.body)
			req.ContentLength = tc.n
			_, err = f.client.Send(context.Background(), req)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
			assert.ErrorIs(t, err, ErrBodyLength)
		})
	}
}

func TestClient_StreamsResponseBody(t *testing.T) {
	parts := []string{"first|", "second|", "third"}
	f := newClient(t, func(w *testserver.ResponseWriter, r *testserver.Request) {
		for _, p := range parts {
			_, _ = w.Write([]byte(p))
			_ = w.Flush()
		}
	}, nil)

	var got bytes.Buffer
	req, err := NewRequest(MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	req.OnBody = func(p []byte) error {
		got.Write(p)
		return nil
	}
	resp, err := f.client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Streamed)
	assert.Empty(t, resp.Body)
	assert.Equal(t, strings.Join(parts, ""), got.String())
}

func TestClient_BodyCallbackAborts(t *testing.T) {
	f := newClient(t, okHandler, nil)
	stop := errors.New("enough")
	req, err := NewRequest(MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	req.OnBody = func([]byte) error { return stop }
	_, err = f.client.Send(context.Background(), req)
	assert.Equal(t, KindParse, KindOf(err))
	assert.ErrorIs(t, err, stop)
}

func TestClient_ResponseFraming(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		method  Method
		body    string
		wantErr error
	}{
		{
			name: "close delimited",
			raw:  "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nuntil the end",
			body: "until the end",
		},
		{
			name: "interim response skipped",
			raw:  "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 4\r\n\r\ndone",
			body: "done",
		},
		{
			name:   "head ignores length",
			raw:    "HTTP/1.1 200 OK\r\nContent-Length: 512\r\n\r\n",
			method: MethodHead,
		},
		{
			name:    "truncated",
			raw:     "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort",
			wantErr: http1.ErrIncomplete,
		},
		{
			name:    "trailing data",
			raw:     "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokEXTRA",
			wantErr: http1.ErrTrailingData,
		},
		{
			name:    "garbage",
			raw:     "SSH-2.0-OpenSSH\r\n\r\n",
			wantErr: http1.ErrMalformed,
		},
		{
			name:    "no response",
			raw:     "",
			wantErr: http1.ErrIncomplete,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newClient(t, rawHandler(tc.raw), nil)
			method := tc.method
			if method == "" {
				method = MethodGet
			}
			resp, err := f.client.Do(context.Background(), method, f.url("/"), nil)
			if tc.wantErr != nil {
				assert.Nil(t, resp)
				assert.Equal(t, KindParse, KindOf(err))
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.body, string(resp.Body))
			assert.True(t, resp.Complete)
		})
	}
}

func TestClient_MaxBodyBytes(t *testing.T) {
	f := newClient(t, echoHandler, func(c *Config) { c.MaxBodyBytes = 4 })
	_, err := f.client.Do(context.Background(), MethodPost, f.url("/"), []byte("more than four"))
	assert.Equal(t, KindParse, KindOf(err))
	assert.ErrorIs(t, err, ErrResponseTooBig)
}

func TestClient_WouldBlockTransportIsTransparent(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefghij"), 800)
	f := newClient(t, echoHandler, nil)
	plain, err := f.client.Do(context.Background(), MethodPost, f.url("/"), body)
	require.NoError(t, err)

	flaky := newClient(t, echoHandler, func(c *Config) {
		c.WriteSliceBytes = 700
		c.ReadBufferBytes = 64
	})
	flaky.client.cfg.NewTransport = func() Transport {
		return &flakyTransport{NetTransport: flaky.transport(), every: 3}
	}
	got, err := flaky.client.Do(context.Background(), MethodPost, flaky.url("/"), body)
	require.NoError(t, err)

	assert.Equal(t, plain.StatusCode, got.StatusCode)
	assert.Equal(t, plain.Header.Fields(), got.Header.Fields())
	assert.True(t, bytes.Equal(plain.Body, got.Body))
	assert.True(t, bytes.Equal(body, flaky.srv.Requests()[0].Body))
}

func TestClient_LastErrorSurvivesSuccess(t *testing.T) {
	f := newClient(t, func(w *testserver.ResponseWriter, r *testserver.Request) {
		if r.Target == "/broken" {
			_ = w.WriteRaw([]byte("HTTP/1.1 200 OK\r\nContent-Length: 9\r\n\r\nabc"))
			return
		}
		okHandler(w, r)
	}, nil)
	assert.Equal(t, KindNone, f.client.LastErrorKind())

	_, err := f.client.Do(context.Background(), MethodGet, f.url("/broken"), nil)
	require.Error(t, err)
	assert.Same(t, err, f.client.LastError())
	assert.Equal(t, KindParse, f.client.LastErrorKind())

	_, err = f.client.Do(context.Background(), MethodGet, f.url("/fine"), nil)
	require.NoError(t, err)
	assert.Equal(t, KindParse, f.client.LastErrorKind())

	assert.Equal(t, 2.0, f.meter.CounterValue("httpx_client_requests_total"))
	assert.Equal(t, 1.0, f.meter.CounterValue("httpx_client_requests_error", obs.Label{Key: "stage", Value: "parse"}))
	assert.True(t, f.logger.has(obs.Error, "GET https://secure.test:"))
}

func TestClient_Untrusted(t *testing.T) {
	f := newClient(t, okHandler, func(c *Config) { c.TrustAnchors = newCA(t, "stranger").PEM })
	_, err := f.client.Do(context.Background(), MethodGet, f.url("/"), nil)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindCertificate, e.Kind)
	assert.Equal(t, VerifyNotTrusted, e.Flags)
	assert.Equal(t, KindCertificate, f.client.LastErrorKind())
	assert.Equal(t, 1.0, f.meter.CounterValue("httpx_client_requests_error", obs.Label{Key: "stage", Value: "handshake"}))
	assert.Empty(t, f.srv.Requests())
}

func TestClient_InsecurePolicy(t *testing.T) {
	f := newClient(t, okHandler, func(c *Config) {
		c.TrustAnchors = newCA(t, "stranger").PEM
		c.Policy = TrustInsecure
	})
	assert.True(t, f.logger.has(obs.Warn, "trust policy is insecure"))
	resp, err := f.client.Do(context.Background(), MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestClient_DefaultHeaders(t *testing.T) {
	f := newClient(t, okHandler, nil)
	f.client.SetHeader("Accept", "application/json")
	f.client.SetHeader("X-Env", "test")

	req, err := NewRequest(MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("X-Request-ID", "fixed")
	_, err = f.client.Send(context.Background(), req)
	require.NoError(t, err)

	r := f.srv.Requests()[0]
	assert.Equal(t, "text/plain", r.Get("Accept"))
	assert.Equal(t, "test", r.Get("X-Env"))
	assert.Equal(t, []string{"fixed"}, r.Header["X-Request-Id"])
}

func TestClient_PropagatesContextIDs(t *testing.T) {
	f := newClient(t, okHandler, func(c *Config) { c.TraceStateKey = "securefetch" })
	parent, ok := ParseTrace("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", "vendor=abc")
	require.True(t, ok)

	ctx := WithRequestID(context.Background(), "req-42")
	ctx = WithCorrelationID(ctx, "corr-7")
	ctx = WithTrace(ctx, parent)
	_, err := f.client.Do(ctx, MethodGet, f.url("/"), nil)
	require.NoError(t, err)

	r := f.srv.Requests()[0]
	assert.Equal(t, "req-42", r.Get("X-Request-ID"))
	assert.Equal(t, "corr-7", r.Get("X-Correlation-ID"))
	tid, sid, flags, ok := parseTraceparent(r.Get("Traceparent"))
	require.True(t, ok)
	assert.Equal(t, parent.TraceID, tid)
	assert.NotEqual(t, parent.SpanID, sid)
	assert.Equal(t, "01", flags)
	assert.Equal(t, "securefetch="+sid+",vendor=abc", r.Get("Tracestate"))
}

func TestClient_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := newClient(t, okHandler, func(c *Config) {
		c.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	})
	_, err = f.client.Do(context.Background(), MethodGet, f.url("/"), nil)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, 1.0, f.meter.CounterValue("httpx_client_requests_error", obs.Label{Key: "stage", Value: "dial"}))
}

func TestClient_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	f := newClient(t, func(w *testserver.ResponseWriter, r *testserver.Request) {
		<-release
	}, func(c *Config) { c.ReadTimeout = 50 * time.Millisecond })
	defer close(release)

	_, err := f.client.Do(context.Background(), MethodGet, f.url("/"), nil)
	assert.Equal(t, KindRead, KindOf(err))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_HandshakeTimeout(t *testing.T) {
	f := newClient(t, okHandler, func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })
	f.client.cfg.Dial = silentDialer(t)
	_, err := f.client.Do(context.Background(), MethodGet, f.url("/"), nil)
	assert.Equal(t, KindHandshake, KindOf(err))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_InvalidRequests(t *testing.T) {
	f := newClient(t, okHandler, nil)
	ctx := context.Background()

	for _, raw := range []string{"http://secure.test/", "://missing", "https://", "https://secure.test:99999/"} {
		_, err := f.client.Do(ctx, MethodGet, raw, nil)
		assert.Equal(t, KindInvalidRequest, KindOf(err), raw)
		assert.Same(t, err, f.client.LastError())
	}

	_, err := f.client.Do(ctx, Method("BREW"), f.url("/"), nil)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Equal(t, 5.0, f.meter.CounterValue("httpx_client_requests_error", obs.Label{Key: "stage", Value: "validate"}))
	assert.True(t, f.logger.has(obs.Error, "GET http://secure.test/ failed"))
	assert.True(t, f.logger.has(obs.Error, "BREW https://secure.test:"))

	req, err := NewRequest(MethodPost, f.url("/"), []byte("x"))
	require.NoError(t, err)
	req.BodyReader = strings.NewReader("y")
	_, err = f.client.Send(ctx, req)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	req, err = NewRequest(MethodPost, f.url("/"), []byte("abc"))
	require.NoError(t, err)
	req.Header.Set("Content-Length", "4")
	_, err = f.client.Send(ctx, req)
	assert.ErrorIs(t, err, ErrBodyLength)

	req, err = NewRequest(MethodGet, f.url("/"), nil)
	require.NoError(t, err)
	req.Header.Set("Bad Name", "v")
	_, err = f.client.Send(ctx, req)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.ErrorIs(t, err, http1.ErrBadFieldName)

	assert.Empty(t, f.srv.Requests())
	assert.Equal(t, 8.0, f.meter.CounterValue("httpx_client_requests_error", obs.Label{Key: "stage", Value: "validate"}))
	assert.Equal(t, 8.0, f.meter.CounterValue("httpx_client_requests_total"))
}

func TestNewClient_TrustErrors(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Equal(t, KindTrustStore, KindOf(err))
	assert.ErrorIs(t, err, ErrEmptyTrust)

	_, err = NewClient(Config{TrustAnchors: []byte("x"), TrustFile: "/x.pem"})
	assert.Equal(t, KindTrustStore, KindOf(err))
}
