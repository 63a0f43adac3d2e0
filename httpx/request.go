package httpx

import (
	"fmt"
	"io"
	"strconv"

	"dqx0.com/go/securefetch/httpx/internal/http1"
)

type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodOptions:
		return true
	}
	return false
}

// BodyFunc receives response body bytes as they are decoded. The slice is
// only valid until the function returns. A non-nil error aborts the request.
type BodyFunc func(p []byte) error

// Request is an outbound HTTPS request.
//
// The body is either Body, a fully materialized buffer, or BodyReader, which
// is drained in bounded slices. With BodyReader, ContentLength >= 0 selects
// Content-Length framing and -1 selects chunked transfer coding; it is
// ignored when Body is used. If OnBody is set the response body is streamed
// to it instead of being collected in Response.Body.
type Request struct {
	Method        Method
	URL           *URL
	Header        Header
	Body          []byte
	BodyReader    io.Reader
	ContentLength int64
	OnBody        BodyFunc
}

// NewRequest parses rawURL and returns a request with body as its buffer.
func NewRequest(method Method, rawURL string, body []byte) (*Request, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	r := &Request{Method: method, URL: u, Body: body}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) validate() error {
	invalid := func(format string, args ...any) error {
		return newError(KindInvalidRequest, "validate", fmt.Errorf(format, args...))
	}
	switch {
	case r == nil:
		return invalid("nil request")
	case !r.Method.valid():
		return invalid("unsupported method %q", string(r.Method))
	case r.URL == nil:
		return invalid("%w: nil url", ErrInvalidURL)
	case r.URL.Scheme != "https":
		return invalid("%w: scheme %q is not https", ErrInvalidURL, r.URL.Scheme)
	case r.Body != nil && r.BodyReader != nil:
		return invalid("both Body and BodyReader set")
	case r.BodyReader != nil && r.ContentLength < -1:
		return invalid("%w: ContentLength %d", ErrBodyLength, r.ContentLength)
	}
	if v, ok := r.Header.Lookup("Content-Length"); ok {
		if n := r.bodyLength(); n < 0 || v != strconv.FormatInt(n, 10) {
			return invalid("%w: header says %q, body has %d bytes", ErrBodyLength, v, n)
		}
	}
	return nil
}

// bodyLength is the framed body length, or -1 for chunked.
func (r *Request) bodyLength() int64 {
	if r.BodyReader != nil {
		return r.ContentLength
	}
	return int64(len(r.Body))
}

// head merges defaults under the request's own fields and encodes the
// request head. Fields already in the request win.
func (r *Request) head(dst []byte, defaults *Header) ([]byte, error) {
	fields := r.Header.Fields()
	defaults.Each(func(name, value string) bool {
		if !r.Header.Has(name) {
			fields = append(fields, Field{Name: name, Value: value})
		}
		return true
	})
	n := r.bodyLength()
	out, err := http1.AppendRequestHead(dst, http1.RequestHead{
		Method:        string(r.Method),
		Target:        r.URL.Target(),
		Host:          r.URL.HostHeader(),
		Fields:        fields,
		ContentLength: n,
	})
	if err != nil {
		return dst, newError(KindInvalidRequest, "build request", err)
	}
	return out, nil
}
