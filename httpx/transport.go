package httpx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Transport is a raw, unencrypted byte stream to one remote host. Read and
// Write return ErrWouldBlock instead of waiting when no progress is
// possible; a short Write always comes with an error.
type Transport interface {
	Connect(ctx context.Context, host string, port int) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DefaultPollInterval bounds how long a NetTransport read or write waits
// before reporting ErrWouldBlock.
const DefaultPollInterval = 50 * time.Millisecond

// NetTransport is a TCP Transport. Each Read and Write waits at most
// PollInterval.
type NetTransport struct {
	DialTimeout  time.Duration
	PollInterval time.Duration
	// Dial overrides the default net.Dialer, e.g. to route through a
	// test listener.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (t *NetTransport) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	if t.conn != nil {
		return fmt.Errorf("%w: already connected", ErrInvalidState)
	}
	if t.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.DialTimeout)
		defer cancel()
	}
	dial := t.Dial
	if dial == nil {
		d := net.Dialer{}
		dial = d.DialContext
	}
	c, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t.conn = c
	return nil
}

func (t *NetTransport) Read(p []byte) (int, error) {
	c, err := t.current()
	if err != nil {
		return 0, err
	}
	_ = c.SetReadDeadline(time.Now().Add(t.poll()))
	n, err := c.Read(p)
	if n > 0 {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	return n, err
}

func (t *NetTransport) Write(p []byte) (int, error) {
	c, err := t.current()
	if err != nil {
		return 0, err
	}
	_ = c.SetWriteDeadline(time.Now().Add(t.poll()))
	n, err := c.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Close is idempotent and safe to call concurrently with Read and Write.
func (t *NetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *NetTransport) LocalAddr() net.Addr {
	if c, err := t.current(); err == nil {
		return c.LocalAddr()
	}
	return nil
}

func (t *NetTransport) RemoteAddr() net.Addr {
	if c, err := t.current(); err == nil {
		return c.RemoteAddr()
	}
	return nil
}

func (t *NetTransport) current() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return nil, net.ErrClosed
	case t.conn == nil:
		return nil, fmt.Errorf("%w: not connected", ErrInvalidState)
	}
	return t.conn, nil
}

func (t *NetTransport) poll() time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return DefaultPollInterval
}
