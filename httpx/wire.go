package httpx

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// wireConn presents a Transport as the net.Conn crypto/tls drives.
//
// crypto/tls treats every write error and every non-temporary read error
// as permanent. Outside the handshake, wireConn therefore never fails a
// Write on ErrWouldBlock: unsent ciphertext is kept in pending and pushed
// later by flush. A would-block Read surfaces as a temporary net.Error,
// which leaves the TLS state intact. While patient is set (during the
// handshake) both directions wait instead, paced by a backoff, until the
// deadline passes.
type wireConn struct {
	t          Transport
	pending    []byte
	patient    bool
	rdeadline  time.Time
	wdeadline  time.Time
	newBackOff func() backoff.BackOff
	onBlock    func(op string)
	closed     atomic.Bool

	bytesIn  int64
	bytesOut int64
}

// wireError is returned by wireConn when it cannot make progress.
type wireError struct {
	op         string
	wouldBlock bool
}

func (e *wireError) Error() string {
	if e.wouldBlock {
		return "httpx: " + e.op + " would block"
	}
	return "httpx: " + e.op + " deadline exceeded"
}

func (e *wireError) Timeout() bool   { return true }
func (e *wireError) Temporary() bool { return e.wouldBlock }

func (e *wireError) Unwrap() error {
	if e.wouldBlock {
		return ErrWouldBlock
	}
	return ErrTimeout
}

func newWireConn(t Transport, newBackOff func() backoff.BackOff, onBlock func(op string)) *wireConn {
	if newBackOff == nil {
		newBackOff = defaultPollBackOff
	}
	if onBlock == nil {
		onBlock = func(string) {}
	}
	return &wireConn{t: t, newBackOff: newBackOff, onBlock: onBlock}
}

func defaultPollBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = DefaultPollInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (w *wireConn) Read(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := w.flush(w.patient); err != nil && !errors.Is(err, ErrWouldBlock) {
		return 0, err
	}
	var bo backoff.BackOff
	for {
		n, err := w.t.Read(p)
		if n > 0 {
			w.bytesIn += int64(n)
			return n, nil
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		if !errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		w.onBlock("read")
		if !w.patient {
			return 0, &wireError{op: "read", wouldBlock: true}
		}
		if bo == nil {
			bo = w.newBackOff()
		}
		if err := w.pause(bo, "read", w.rdeadline); err != nil {
			return 0, err
		}
	}
}

// Write accepts all of p unless the transport failed for good.
func (w *wireConn) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, net.ErrClosed
	}
	w.pending = append(w.pending, p...)
	if err := w.flush(w.patient); err != nil && !errors.Is(err, ErrWouldBlock) {
		return 0, err
	}
	return len(p), nil
}

// flush pushes pending ciphertext. Without patience it stops at the first
// would-block and returns ErrWouldBlock.
func (w *wireConn) flush(patient bool) error {
	var bo backoff.BackOff
	for len(w.pending) > 0 {
		n, err := w.t.Write(w.pending)
		w.bytesOut += int64(n)
		w.pending = w.pending[n:]
		if err == nil {
			if n == 0 {
				return io.ErrShortWrite
			}
			continue
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		w.onBlock("write")
		if !patient {
			return ErrWouldBlock
		}
		if bo == nil {
			bo = w.newBackOff()
		}
		if err := w.pause(bo, "write", w.wdeadline); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

func (w *wireConn) pause(bo backoff.BackOff, op string, deadline time.Time) error {
	d := bo.NextBackOff()
	if d == backoff.Stop || (!deadline.IsZero() && time.Now().Add(d).After(deadline)) {
		return &wireError{op: op}
	}
	time.Sleep(d)
	if w.closed.Load() {
		return net.ErrClosed
	}
	return nil
}

// Close pushes what it can of pending output, such as a close_notify
// alert, then closes the transport. During the handshake it may be called
// from another goroutine and then only closes.
func (w *wireConn) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	if !w.patient {
		_ = w.flush(false)
	}
	return w.t.Close()
}

func (w *wireConn) LocalAddr() net.Addr {
	if a, ok := w.t.(interface{ LocalAddr() net.Addr }); ok {
		if addr := a.LocalAddr(); addr != nil {
			return addr
		}
	}
	return wireAddr{}
}

func (w *wireConn) RemoteAddr() net.Addr {
	if a, ok := w.t.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := a.RemoteAddr(); addr != nil {
			return addr
		}
	}
	return wireAddr{}
}

func (w *wireConn) SetDeadline(t time.Time) error {
	w.rdeadline, w.wdeadline = t, t
	return nil
}

func (w *wireConn) SetReadDeadline(t time.Time) error {
	w.rdeadline = t
	return nil
}

func (w *wireConn) SetWriteDeadline(t time.Time) error {
	w.wdeadline = t
	return nil
}

type wireAddr struct{}

func (wireAddr) Network() string { return "transport" }
func (wireAddr) String() string  { return "transport" }
