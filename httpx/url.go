package httpx

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL is a parsed absolute http or https URL. Host is stored without
// brackets; Path is the escaped path and never empty.
type URL struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  string
}

// ParseURL parses an absolute URL. Only http and https are accepted.
// Missing ports default to the scheme's port and an empty path becomes "/".
// The fragment is dropped.
func ParseURL(raw string) (*URL, error) {
	fail := func(format string, args ...any) (*URL, error) {
		return nil, newError(KindInvalidRequest, "parse url", fmt.Errorf("%w: %s", ErrInvalidURL, fmt.Sprintf(format, args...)))
	}
	if strings.TrimSpace(raw) == "" {
		return fail("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fail("%v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fail("unsupported scheme %q", u.Scheme)
	}
	if u.Opaque != "" {
		return fail("opaque url %q", raw)
	}
	host := u.Hostname()
	if host == "" {
		return fail("missing host in %q", raw)
	}
	port := DefaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fail("bad port %q", p)
		}
		port = n
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return &URL{
		Scheme: scheme,
		Host:   strings.ToLower(host),
		Port:   port,
		Path:   path,
		Query:  u.RawQuery,
	}, nil
}

// DefaultPort returns 443 for https and 80 otherwise.
func DefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Target is the request-target in origin form.
func (u *URL) Target() string {
	if u.Query == "" {
		return u.Path
	}
	return u.Path + "?" + u.Query
}

// HostHeader is the value of the Host header field. The port is omitted
// when it is the scheme default.
func (u *URL) HostHeader() string {
	h := u.Host
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	if u.Port == DefaultPort(u.Scheme) {
		return h
	}
	return h + ":" + strconv.Itoa(u.Port)
}

// Addr is host:port for dialing.
func (u *URL) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u *URL) String() string {
	return u.Scheme + "://" + u.HostHeader() + u.Target()
}
