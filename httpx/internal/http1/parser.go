package http1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformed      = errors.New("http1: malformed response")
	ErrHeaderTooLarge = errors.New("http1: header too large")
	ErrTrailingData   = errors.New("http1: data after end of response")
	ErrIncomplete     = errors.New("http1: response incomplete")
	ErrBodySink       = errors.New("http1: body sink failed")
)

const (
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
)

// Sink receives parse events in wire order. Body slices alias the buffer
// passed to Feed and are only valid for the duration of the call.
type Sink interface {
	Status(proto string, code int, reason string)
	Field(name, value string)
	Body(p []byte) error
}

// Limits bounds the memory the parser holds for a partial line and for the
// whole header block. Zero values select the defaults.
type Limits struct {
	MaxLineBytes   int
	MaxHeaderBytes int
}

type state uint8

const (
	stStatus state = iota
	stHeader
	stBodyLength
	stBodyClose
	stChunkSize
	stChunkData
	stChunkDataEnd
	stTrailer
	stDone
	stFailed
)

func (s state) String() string {
	switch s {
	case stStatus:
		return "status line"
	case stHeader:
		return "header block"
	case stBodyLength:
		return "content-length body"
	case stBodyClose:
		return "close-delimited body"
	case stChunkSize, stChunkData, stChunkDataEnd:
		return "chunked body"
	case stTrailer:
		return "trailer block"
	case stDone:
		return "done"
	default:
		return "failed"
	}
}

// Parser is an incremental HTTP/1.x response parser. It produces the same
// events no matter how the byte stream is split across Feed calls.
type Parser struct {
	sink      Sink
	method    string
	maxLine   int
	maxHeader int

	st          state
	line        []byte
	headerBytes int
	interim     bool
	code        int
	clen        int64
	chunked     bool
	hasTE       bool
	remain      int64
	bodyBytes   int64
	err         error
}

// NewParser returns a parser for the response to a request made with method.
func NewParser(method string, sink Sink, lim Limits) *Parser {
	if lim.MaxLineBytes <= 0 {
		lim.MaxLineBytes = DefaultMaxLineBytes
	}
	if lim.MaxHeaderBytes <= 0 {
		lim.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Parser{
		sink:      sink,
		method:    method,
		maxLine:   lim.MaxLineBytes,
		maxHeader: lim.MaxHeaderBytes,
		clen:      -1,
	}
}

// Feed consumes b and returns how many bytes were consumed. For well-formed
// input that is always len(b); a short count comes with a non-nil error and
// the parser stays failed from then on.
func (p *Parser) Feed(b []byte) (int, error) {
	if p.st == stFailed {
		return 0, p.err
	}
	n := 0
	for n < len(b) {
		switch p.st {
		case stDone:
			return n, p.fail(fmt.Errorf("%w: %d bytes", ErrTrailingData, len(b)-n))

		case stBodyLength, stChunkData:
			take := int64(len(b) - n)
			if take > p.remain {
				take = p.remain
			}
			if err := p.emit(b[n : n+int(take)]); err != nil {
				return n, p.fail(err)
			}
			n += int(take)
			p.remain -= take
			if p.remain == 0 {
				if p.st == stBodyLength {
					p.st = stDone
				} else {
					p.st = stChunkDataEnd
				}
			}

		case stBodyClose:
			if err := p.emit(b[n:]); err != nil {
				return n, p.fail(err)
			}
			n = len(b)

		default:
			i := bytes.IndexByte(b[n:], '\n')
			seg := b[n:]
			if i >= 0 {
				seg = b[n : n+i]
			}
			if len(p.line)+len(seg) > p.maxLine {
				return n, p.fail(ErrHeaderTooLarge)
			}
			if p.st == stStatus || p.st == stHeader || p.st == stTrailer {
				// Blank lines ahead of the status line count too.
				p.headerBytes += len(seg)
				if i >= 0 {
					p.headerBytes++
				}
				if p.headerBytes > p.maxHeader {
					return n, p.fail(ErrHeaderTooLarge)
				}
			}
			if i < 0 {
				p.line = append(p.line, seg...)
				n = len(b)
				continue
			}
			line := seg
			if len(p.line) > 0 {
				p.line = append(p.line, seg...)
				line = p.line
			}
			n += i + 1
			err := p.onLine(bytes.TrimSuffix(line, []byte{'\r'}))
			p.line = p.line[:0]
			if err != nil {
				return n, p.fail(err)
			}
		}
	}
	return n, nil
}

// Finish is called once input is exhausted. It accepts a response whose
// body was delimited by connection close and rejects every other state
// short of completion.
func (p *Parser) Finish() error {
	switch p.st {
	case stDone:
		return nil
	case stBodyClose:
		p.st = stDone
		return nil
	case stFailed:
		return p.err
	default:
		return p.fail(fmt.Errorf("%w: input ended in %s", ErrIncomplete, p.st))
	}
}

// Done reports whether a complete response has been parsed.
func (p *Parser) Done() bool { return p.st == stDone }

// ContentLength is the declared body length, or -1 if none was declared.
func (p *Parser) ContentLength() int64 { return p.clen }

// Chunked reports whether the body uses chunked transfer coding.
func (p *Parser) Chunked() bool { return p.chunked }

// BodyBytes counts decoded body bytes delivered to the sink.
func (p *Parser) BodyBytes() int64 { return p.bodyBytes }

func (p *Parser) fail(err error) error {
	if p.st != stFailed {
		p.st = stFailed
		p.err = err
	}
	return p.err
}

func (p *Parser) emit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	p.bodyBytes += int64(len(b))
	if err := p.sink.Body(b); err != nil {
		return fmt.Errorf("%w: %w", ErrBodySink, err)
	}
	return nil
}

func (p *Parser) onLine(line []byte) error {
	switch p.st {
	case stStatus:
		if len(line) == 0 {
			// Tolerate stray CRLF ahead of the status line.
			return nil
		}
		return p.onStatus(string(line))
	case stHeader:
		if len(line) == 0 {
			return p.endHeaders()
		}
		return p.onField(line)
	case stChunkSize:
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}
		if size == 0 {
			p.st = stTrailer
			p.headerBytes = 0
			return nil
		}
		p.remain = size
		p.st = stChunkData
		return nil
	case stChunkDataEnd:
		if len(line) != 0 {
			return fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformed)
		}
		p.st = stChunkSize
		return nil
	case stTrailer:
		if len(line) == 0 {
			p.st = stDone
			return nil
		}
		// Trailer fields are validated and dropped.
		if i := bytes.IndexByte(line, ':'); i <= 0 {
			return fmt.Errorf("%w: bad trailer line", ErrMalformed)
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected line in %s", ErrMalformed, p.st)
}

func (p *Parser) onStatus(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !validProto(proto) {
		return fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	if len(codeStr) != 3 {
		return fmt.Errorf("%w: bad status code %q", ErrMalformed, codeStr)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return fmt.Errorf("%w: bad status code %q", ErrMalformed, codeStr)
	}
	p.code = code
	p.interim = isInterim(code)
	if !p.interim {
		p.sink.Status(proto, code, reason)
	}
	p.st = stHeader
	return nil
}

func (p *Parser) onField(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		return fmt.Errorf("%w: obsolete line folding", ErrMalformed)
	}
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("%w: header line without colon", ErrMalformed)
	}
	name := string(line[:i])
	if SanitizeHeaderKey(name) == "" {
		return fmt.Errorf("%w: bad header name %q", ErrMalformed, name)
	}
	value := strings.TrimSpace(string(line[i+1:]))
	if p.interim {
		return nil
	}
	switch {
	case strings.EqualFold(name, "Content-Length"):
		n, err := parseContentLength(value)
		if err != nil {
			return err
		}
		if p.clen >= 0 && p.clen != n {
			return fmt.Errorf("%w: conflicting Content-Length", ErrMalformed)
		}
		p.clen = n
	case strings.EqualFold(name, "Transfer-Encoding"):
		p.hasTE = true
		p.chunked = lastCodingChunked(value)
	}
	p.sink.Field(name, value)
	return nil
}

func (p *Parser) endHeaders() error {
	if p.interim {
		p.st = stStatus
		p.interim = false
		p.code = 0
		p.headerBytes = 0
		return nil
	}
	switch {
	case noResponseBody(p.method, p.code):
		p.st = stDone
	case p.hasTE && p.clen >= 0:
		return fmt.Errorf("%w: both Transfer-Encoding and Content-Length", ErrMalformed)
	case p.chunked:
		p.st = stChunkSize
	case p.hasTE:
		p.st = stBodyClose
	case p.clen == 0:
		p.st = stDone
	case p.clen > 0:
		p.remain = p.clen
		p.st = stBodyLength
	default:
		p.st = stBodyClose
	}
	return nil
}

func validProto(s string) bool {
	return len(s) == 8 && strings.HasPrefix(s, "HTTP/") &&
		isDigit(s[5]) && s[6] == '.' && isDigit(s[7])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// parseContentLength accepts a single value or a list of identical values.
func parseContentLength(v string) (int64, error) {
	var n int64 = -1
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, fmt.Errorf("%w: empty Content-Length", ErrMalformed)
		}
		for i := 0; i < len(part); i++ {
			if !isDigit(part[i]) {
				return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
			}
		}
		m, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
		}
		if n >= 0 && m != n {
			return 0, fmt.Errorf("%w: conflicting Content-Length %q", ErrMalformed, v)
		}
		n = m
	}
	return n, nil
}
