// Package testserver runs loopback TLS HTTP/1.1 servers for client tests.
// Every connection carries one request and is closed after the response.
package testserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/securefetch/httpx/internal/http1"
	"dqx0.com/go/securefetch/internal/obs"
)

// Request is a request as the server received it, body included.
type Request struct {
	Method        string
	Target        string
	Proto         string
	Fields        []http1.Field
	Header        map[string][]string
	ContentLength int64
	Body          []byte
}

// Get returns the first value of name.
func (r *Request) Get(name string) string {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

type Handler func(w *ResponseWriter, r *Request)

type Server struct {
	Handler        Handler
	MaxHeaderBytes int
	ReadTimeout    time.Duration
	Logger         obs.Logger

	ln       net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	requests []*Request
	errs     []error
}

// Start listens on 127.0.0.1 with cert and serves h.
func Start(cert tls.Certificate, h Handler) (*Server, error) {
	s := &Server{Handler: h}
	if err := s.Listen(cert); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen binds a loopback TLS listener and starts accepting.
func (s *Server) Listen(cert tls.Certificate) error {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	})
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// URL returns https://host:port+path for the server port.
func (s *Server) URL(host, path string) string {
	return "https://" + net.JoinHostPort(host, strconv.Itoa(s.Port())) + path
}

// Dial connects to the server whatever address is asked for, so tests can
// use any host name in URLs.
func (s *Server) Dial(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, s.Addr())
}

// Requests returns the requests received so far.
func (s *Server) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Errors returns connection-level errors seen by the server.
func (s *Server) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

func (s *Server) logf(level obs.Level, format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Logf(level, format, args...)
	}
}

func (s *Server) recordErr(err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.logf(obs.Debug, "testserver: %v", err)
}

func (s *Server) serveConn(c net.Conn) {
	defer c.Close()
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = c.SetDeadline(time.Now().Add(timeout))

	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	rr := &http1.Reader{BR: br, MaxHeaderBytes: s.headerLimit(), MaxTotalHeaderBytes: 8 * s.headerLimit()}
	pr, err := rr.ReadRequest()
	if err != nil {
		s.recordErr(err)
		_, _ = bw.Write(http1.AppendResponseHead(nil, 400, "", []http1.Field{{Name: "Content-Length", Value: "0"}, {Name: "Connection", Value: "close"}}))
		_ = bw.Flush()
		return
	}
	body, err := io.ReadAll(pr.Body)
	if err != nil {
		s.recordErr(err)
		return
	}
	r := &Request{
		Method:        pr.Method,
		Target:        pr.RequestURI,
		Proto:         pr.Proto,
		Fields:        pr.Fields,
		Header:        pr.Header,
		ContentLength: pr.ContentLength,
		Body:          body,
	}
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
	s.logf(obs.Debug, "testserver: %s %s (%d body bytes)", r.Method, r.Target, len(body))

	w := &ResponseWriter{bw: bw, method: pr.Method}
	h := s.Handler
	if h == nil {
		h = func(w *ResponseWriter, r *Request) {
			w.WriteHeader(404)
			_, _ = w.Write([]byte("not found"))
		}
	}
	h(w, r)
	s.recordErr(w.finish())
}

func (s *Server) headerLimit() int {
	if s.MaxHeaderBytes <= 0 {
		return 8 << 10
	}
	return s.MaxHeaderBytes
}

// ResponseWriter streams a response. Without a Content-Length field the
// body is sent chunked. WriteRaw bypasses framing entirely.
type ResponseWriter struct {
	bw       *bufio.Writer
	method   string
	status   int
	fields   []http1.Field
	wroteHdr bool
	chunked  bool
	raw      bool
}

// SetHeader adds a response field. It has no effect after the head is sent.
func (w *ResponseWriter) SetHeader(name, value string) {
	w.fields = append(w.fields, http1.Field{Name: name, Value: value})
}

func (w *ResponseWriter) WriteHeader(status int) {
	if w.wroteHdr || w.raw {
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	w.start()
}

func (w *ResponseWriter) start() {
	if w.wroteHdr {
		return
	}
	if w.status == 0 {
		w.status = 200
	}
	hasCL := false
	for _, f := range w.fields {
		if strings.EqualFold(f.Name, "Content-Length") || strings.EqualFold(f.Name, "Transfer-Encoding") {
			hasCL = true
		}
	}
	w.chunked = !hasCL && w.method != "HEAD" && w.status != 204 && w.status != 304
	fields := append(w.fields, http1.Field{Name: "Connection", Value: "close"})
	if w.chunked {
		fields = append(fields, http1.Field{Name: "Transfer-Encoding", Value: "chunked"})
	}
	_, _ = w.bw.Write(http1.AppendResponseHead(nil, w.status, "", fields))
	w.wroteHdr = true
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.raw {
		return 0, errors.New("testserver: Write after WriteRaw")
	}
	w.start()
	if w.chunked {
		if _, err := w.bw.Write(http1.AppendChunk(nil, p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return w.bw.Write(p)
}

// Flush sends buffered bytes, so a test can split the response across
// TLS records.
func (w *ResponseWriter) Flush() error {
	if !w.raw {
		w.start()
	}
	return w.bw.Flush()
}

// WriteRaw writes p to the connection as is and flushes.
func (w *ResponseWriter) WriteRaw(p []byte) error {
	if w.wroteHdr && !w.raw {
		return errors.New("testserver: WriteRaw after head")
	}
	w.raw = true
	if _, err := w.bw.Write(p); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *ResponseWriter) finish() error {
	if w.raw {
		return w.bw.Flush()
	}
	w.start()
	if w.chunked {
		if _, err := w.bw.Write(http1.AppendLastChunk(nil)); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}
