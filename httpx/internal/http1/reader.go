package http1

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParsedRequest is a request read from the wire by a server.
type ParsedRequest struct {
	Method     string
	RequestURI string
	Proto      string
	// Fields keeps header lines in wire order; Header indexes them by
	// canonical name.
	Fields        []Field
	Header        map[string][]string
	ContentLength int64 // -1 when chunked
	Body          io.ReadCloser
}

// Reader parses requests from a buffered connection. MaxHeaderBytes bounds
// a single line, MaxTotalHeaderBytes the whole header block.
type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := readLineLimit(r.BR, r.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	pr := &ParsedRequest{Method: parts[0], RequestURI: parts[1], Proto: parts[2], Header: make(map[string][]string)}
	if err := r.readHeaders(pr); err != nil {
		return nil, err
	}

	te := getHeader(pr.Header, "Transfer-Encoding")
	cl := getHeader(pr.Header, "Content-Length")
	switch {
	case te != "" && cl != "":
		return nil, fmt.Errorf("%w: both Transfer-Encoding and Content-Length", ErrMalformed)
	case te != "":
		if !lastCodingChunked(te) {
			return nil, fmt.Errorf("%w: unsupported Transfer-Encoding %q", ErrMalformed, te)
		}
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case cl != "":
		n, err := parseContentLength(strings.Join(pr.Header["Content-Length"], ","))
		if err != nil {
			return nil, err
		}
		pr.ContentLength = n
		pr.Body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: n}}
	default:
		pr.Body = io.NopCloser(strings.NewReader(""))
	}
	return pr, nil
}

func (r *Reader) readHeaders(pr *ParsedRequest) error {
	total := 0
	for {
		line, err := readLineLimit(r.BR, r.MaxHeaderBytes)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		total += len(line)
		if r.MaxTotalHeaderBytes > 0 && total > r.MaxTotalHeaderBytes {
			return ErrHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return fmt.Errorf("%w: header line without colon", ErrMalformed)
		}
		k := line[:i]
		if SanitizeHeaderKey(k) == "" {
			return fmt.Errorf("%w: %q", ErrBadFieldName, k)
		}
		v := strings.TrimSpace(line[i+1:])
		pr.Fields = append(pr.Fields, Field{Name: k, Value: v})
		hk := canonicalHeaderKey(k)
		pr.Header[hk] = append(pr.Header[hk], v)
	}
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Close drains the remaining bytes so the connection can be reused.
func (b *limitedBody) Close() error {
	_, err := io.Copy(io.Discard, b.lr)
	return err
}

func getHeader(h map[string][]string, k string) string {
	if vv := h[canonicalHeaderKey(k)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Very small canonicalizer to avoid importing textproto here.
func canonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = c - 'a' + 'A'
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
