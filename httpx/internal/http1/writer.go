package http1

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadMethod       = errors.New("http1: invalid method")
	ErrBadTarget       = errors.New("http1: invalid request target")
	ErrBadFieldName    = errors.New("http1: invalid header field name")
	ErrMissingHost     = errors.New("http1: missing host")
	ErrFramingMismatch = errors.New("http1: body framing does not match header fields")
)

// Field is one header line in wire order.
type Field struct {
	Name  string
	Value string
}

// RequestHead is everything that precedes the body on the wire.
type RequestHead struct {
	Method string
	Target string
	Host   string
	Fields []Field
	// ContentLength is the exact body length; -1 selects chunked coding.
	ContentLength int64
}

// AppendRequestHead serializes h onto dst: the request line, Host (unless
// present in Fields), Fields in order, then Content-Length or
// Transfer-Encoding: chunked (unless present), then the blank line.
// A known length is always sent, including "Content-Length: 0".
func AppendRequestHead(dst []byte, h RequestHead) ([]byte, error) {
	if SanitizeHeaderKey(h.Method) == "" {
		return dst, ErrBadMethod
	}
	if h.Target == "" || strings.ContainsAny(h.Target, " \t\r\n") {
		return dst, ErrBadTarget
	}
	var hasHost, hasCL, hasTE bool
	for _, f := range h.Fields {
		if SanitizeHeaderKey(f.Name) == "" {
			return dst, fmt.Errorf("%w: %q", ErrBadFieldName, f.Name)
		}
		switch {
		case strings.EqualFold(f.Name, "Host"):
			hasHost = true
		case strings.EqualFold(f.Name, "Content-Length"):
			if h.ContentLength < 0 || strings.TrimSpace(f.Value) != strconv.FormatInt(h.ContentLength, 10) {
				return dst, fmt.Errorf("%w: Content-Length %q", ErrFramingMismatch, f.Value)
			}
			hasCL = true
		case strings.EqualFold(f.Name, "Transfer-Encoding"):
			if h.ContentLength >= 0 || !lastCodingChunked(f.Value) {
				return dst, fmt.Errorf("%w: Transfer-Encoding %q", ErrFramingMismatch, f.Value)
			}
			hasTE = true
		}
	}
	if !hasHost && h.Host == "" {
		return dst, ErrMissingHost
	}

	dst = append(dst, h.Method...)
	dst = append(dst, ' ')
	dst = append(dst, h.Target...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	if !hasHost {
		dst = appendField(dst, "Host", h.Host)
	}
	for _, f := range h.Fields {
		dst = appendField(dst, f.Name, f.Value)
	}
	switch {
	case h.ContentLength >= 0 && !hasCL:
		dst = appendField(dst, "Content-Length", strconv.FormatInt(h.ContentLength, 10))
	case h.ContentLength < 0 && !hasTE:
		dst = appendField(dst, "Transfer-Encoding", "chunked")
	}
	return append(dst, "\r\n"...), nil
}

func appendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, SanitizeHeaderValue(value)...)
	return append(dst, "\r\n"...)
}

// AppendChunk frames p as one chunk of a chunked body. Empty p appends
// nothing, since a zero-size chunk terminates the body.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// AppendLastChunk appends the terminating zero-length chunk with no trailers.
func AppendLastChunk(dst []byte) []byte {
	return append(dst, "0\r\n\r\n"...)
}

// AppendResponseHead writes a status line and fields. An empty reason is
// replaced by the standard phrase for the code, if known.
func AppendResponseHead(dst []byte, status int, reason string, fields []Field) []byte {
	if reason == "" {
		reason = defaultReason(status)
	}
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, "\r\n"...)
	for _, f := range fields {
		dst = appendField(dst, f.Name, f.Value)
	}
	return append(dst, "\r\n"...)
}

func defaultReason(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	default:
		return ""
	}
}

func lastCodingChunked(v string) bool {
	codings := strings.Split(v, ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}
