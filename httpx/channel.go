package httpx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dqx0.com/go/securefetch/internal/obs"
)

type ChannelState int

const (
	StateUnconnected ChannelState = iota
	StateConnected
	StateHandshaking
	StateEstablished
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// ChannelConfig configures a Channel. Trust is required.
type ChannelConfig struct {
	Trust  *TrustStore
	Policy TrustPolicy
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	// Clock is the verification time source; nil means time.Now.
	Clock func() time.Time
	// NewBackOff paces waiting on a blocked transport during the handshake.
	NewBackOff func() backoff.BackOff

	Logger obs.Logger
	Meter  obs.Meter
}

// Channel is a TLS session over a Transport. It moves through
// Unconnected, Connected, Handshaking and Established; any fatal error
// moves it to Failed and Close to Closed. A Channel carries one exchange
// and is not safe for concurrent use.
type Channel struct {
	cfg   ChannelConfig
	t     Transport
	wire  *wireConn
	conn  *tls.Conn
	host  string
	port  int
	state ChannelState

	verification Verification
	peer         []*x509.Certificate
	err          error
	released     bool
}

func NewChannel(t Transport, cfg ChannelConfig) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = obs.NopLogger{}
	}
	if cfg.Meter == nil {
		cfg.Meter = obs.NopMeter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	c := &Channel{cfg: cfg, t: t}
	c.wire = newWireConn(t, cfg.NewBackOff, func(op string) {
		cfg.Meter.Counter("httpx_client_would_block_total", 1, obs.Label{Key: "op", Value: op})
	})
	return c
}

func (c *Channel) State() ChannelState { return c.state }

// Err returns the first fatal error, if any.
func (c *Channel) Err() error { return c.err }

// Verification returns the outcome of peer verification. Checked is false
// until the handshake reached certificate verification.
func (c *Channel) Verification() Verification { return c.verification }

func (c *Channel) PeerCertificates() []*x509.Certificate { return c.peer }

// Pending is the number of ciphertext bytes accepted but not yet taken by
// the transport.
func (c *Channel) Pending() int { return len(c.wire.pending) }

// ConnectionState reports TLS parameters once established.
func (c *Channel) ConnectionState() tls.ConnectionState {
	if c.conn == nil {
		return tls.ConnectionState{}
	}
	return c.conn.ConnectionState()
}

// Connect opens the transport to host:port.
func (c *Channel) Connect(ctx context.Context, host string, port int) error {
	if c.state != StateUnconnected {
		return c.invalid(KindConnection, "connect")
	}
	c.host, c.port = host, port
	c.cfg.Logger.Logf(obs.Debug, "connecting to %s:%d", host, port)
	if err := c.t.Connect(ctx, host, port); err != nil {
		return c.fail(KindConnection, "connect", err)
	}
	c.state = StateConnected
	return nil
}

// Handshake runs the TLS client handshake with SNI set to the connected
// host and verifies the peer chain against the trust store. crypto/tls
// handshake errors are permanent, so the handshake runs as one call that
// waits out a blocked transport until ctx's deadline.
func (c *Channel) Handshake(ctx context.Context) error {
	if c.state != StateConnected {
		return c.invalid(KindHandshake, "handshake")
	}
	if c.cfg.Trust == nil {
		return c.fail(KindTrustStore, "handshake", ErrEmptyTrust)
	}
	c.state = StateHandshaking
	c.cfg.Logger.Logf(obs.Debug, "starting TLS handshake with %s", c.host)

	if dl, ok := ctx.Deadline(); ok {
		_ = c.wire.SetDeadline(dl)
	}
	c.wire.patient = true
	c.conn = tls.Client(c.wire, c.tlsConfig())
	err := c.conn.HandshakeContext(ctx)
	c.wire.patient = false
	_ = c.wire.SetDeadline(time.Time{})

	if err != nil {
		if c.verification.Checked && !c.verification.OK {
			e := c.fail(KindCertificate, "handshake", err)
			e.Flags = c.verification.Flags
			c.cfg.Logger.Logf(obs.Error, "certificate verification failed for %s: %s", c.host, c.verification.Reason)
			return e
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		c.cfg.Logger.Logf(obs.Error, "TLS handshake with %s failed: %v", c.host, err)
		return c.fail(KindHandshake, "handshake", err)
	}

	cs := c.conn.ConnectionState()
	c.peer = cs.PeerCertificates
	if len(c.peer) > 0 {
		leaf := c.peer[0]
		c.cfg.Logger.Logf(obs.Debug, "server certificate: subject=%q issuer=%q not_after=%s",
			leaf.Subject.String(), leaf.Issuer.String(), leaf.NotAfter.Format(time.RFC3339))
	}
	if c.verification.OK {
		c.cfg.Logger.Logf(obs.Debug, "certificate verification passed")
	} else {
		c.cfg.Logger.Logf(obs.Warn, "certificate verification failed (%s) but trust policy is %s: %s",
			c.verification.Flags, c.cfg.Policy, c.verification.Reason)
	}
	c.cfg.Logger.Logf(obs.Debug, "TLS connection to %s:%d established (%s, %s)",
		c.host, c.port, tls.VersionName(cs.Version), tls.CipherSuiteName(cs.CipherSuite))
	c.state = StateEstablished
	return nil
}

func (c *Channel) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: c.host,
		MinVersion: c.cfg.MinVersion,
		NextProtos: []string{"http/1.1"},
		// Chain verification happens in VerifyConnection so the outcome can
		// be recorded as flags and the insecure policy can be honored.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			c.verification = verifyPeer(cs.PeerCertificates, c.cfg.Trust.Pool(), c.host, c.cfg.Clock())
			if c.verification.OK || c.cfg.Policy == TrustInsecure {
				return nil
			}
			return fmt.Errorf("peer certificate rejected (%s): %s", c.verification.Flags, c.verification.Reason)
		},
	}
}

// Write encrypts p. It returns len(p), or (0, ErrWouldBlock) while
// ciphertext of an earlier write is still queued.
func (c *Channel) Write(p []byte) (int, error) {
	if c.state != StateEstablished {
		return 0, c.invalid(KindWrite, "write")
	}
	if len(c.wire.pending) > 0 {
		if err := c.wire.flush(false); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return 0, ErrWouldBlock
			}
			return 0, c.fail(KindWrite, "write", err)
		}
	}
	n, err := c.conn.Write(p)
	if err != nil {
		return n, c.fail(KindWrite, "write", err)
	}
	return n, nil
}

// Flush pushes queued ciphertext, returning ErrWouldBlock if some remains.
func (c *Channel) Flush() error {
	if c.state != StateEstablished {
		return c.invalid(KindWrite, "flush")
	}
	if err := c.wire.flush(false); err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return ErrWouldBlock
		}
		return c.fail(KindWrite, "flush", err)
	}
	return nil
}

// Read decrypts into p. It returns (0, io.EOF) once the peer closed the
// stream cleanly and (0, ErrWouldBlock) when no record is available yet.
func (c *Channel) Read(p []byte) (int, error) {
	if c.state != StateEstablished {
		return 0, c.invalid(KindRead, "read")
	}
	n, err := c.conn.Read(p)
	switch {
	case n > 0:
		return n, nil
	case err == nil:
		return 0, ErrWouldBlock
	case errors.Is(err, ErrWouldBlock):
		return 0, ErrWouldBlock
	case err == io.EOF:
		return 0, io.EOF
	default:
		return 0, c.fail(KindRead, "read", err)
	}
}

// Close releases the TLS session and the transport. It is idempotent and
// valid in every state.
func (c *Channel) Close() error {
	if c.released {
		return nil
	}
	c.released = true
	var err error
	if c.conn != nil {
		// The close_notify alert is best effort; tls.Conn.Close also
		// closes the wire.
		_ = c.conn.Close()
	} else {
		err = c.wire.Close()
	}
	c.state = StateClosed
	return err
}

func (c *Channel) fail(kind ErrorKind, op string, err error) *Error {
	e := newError(kind, op, err)
	if c.err == nil {
		c.err = e
	}
	c.state = StateFailed
	return e
}

func (c *Channel) invalid(kind ErrorKind, op string) error {
	return newError(kind, op, fmt.Errorf("%w: %s", ErrInvalidState, c.state))
}
