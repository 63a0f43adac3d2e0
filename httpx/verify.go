package httpx

import (
	"crypto/x509"
	"errors"
	"strings"
	"time"
)

// VerifyFlags is a bitmask of peer certificate problems.
type VerifyFlags uint32

const (
	VerifyNotTrusted VerifyFlags = 1 << iota
	VerifyExpired
	VerifyNotYetValid
	VerifyHostMismatch
	VerifyBadUsage
	VerifyOther
)

var flagNames = []struct {
	f    VerifyFlags
	name string
}{
	{VerifyNotTrusted, "not-trusted"},
	{VerifyExpired, "expired"},
	{VerifyNotYetValid, "not-yet-valid"},
	{VerifyHostMismatch, "host-mismatch"},
	{VerifyBadUsage, "bad-usage"},
	{VerifyOther, "other"},
}

func (f VerifyFlags) String() string {
	if f == 0 {
		return "ok"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Verification is the recorded outcome of peer certificate verification.
type Verification struct {
	Checked bool
	OK      bool
	Flags   VerifyFlags
	Reason  string
}

// verifyPeer checks the presented chain against roots for host. x509
// verification stops at the first problem, so the leaf validity window,
// the host name and the chain are also probed separately and every
// applicable flag is set.
func verifyPeer(certs []*x509.Certificate, roots *x509.CertPool, host string, now time.Time) Verification {
	v := Verification{Checked: true}
	if len(certs) == 0 {
		v.Flags = VerifyOther
		v.Reason = "no peer certificate"
		return v
	}
	leaf := certs[0]
	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		DNSName:       host,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	_, err := leaf.Verify(opts)
	if err == nil {
		v.OK = true
		return v
	}
	v.Reason = err.Error()

	if leaf.VerifyHostname(host) != nil {
		v.Flags |= VerifyHostMismatch
	}
	switch {
	case now.After(leaf.NotAfter):
		v.Flags |= VerifyExpired
		opts.CurrentTime = midpoint(leaf)
	case now.Before(leaf.NotBefore):
		v.Flags |= VerifyNotYetValid
		opts.CurrentTime = midpoint(leaf)
	}
	opts.DNSName = ""
	if _, err := leaf.Verify(opts); err != nil {
		v.Flags |= classify(err)
	}
	if v.Flags == 0 {
		v.Flags = classify(err)
	}
	return v
}

func midpoint(c *x509.Certificate) time.Time {
	return c.NotBefore.Add(c.NotAfter.Sub(c.NotBefore) / 2)
}

func classify(err error) VerifyFlags {
	var (
		ua  x509.UnknownAuthorityError
		hn  x509.HostnameError
		inv x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &ua):
		return VerifyNotTrusted
	case errors.As(err, &hn):
		return VerifyHostMismatch
	case errors.As(err, &inv):
		switch inv.Reason {
		case x509.Expired:
			return VerifyExpired
		case x509.IncompatibleUsage, x509.NotAuthorizedToSign:
			return VerifyBadUsage
		case x509.NameMismatch, x509.CANotAuthorizedForThisName:
			return VerifyHostMismatch
		}
	}
	return VerifyOther
}
