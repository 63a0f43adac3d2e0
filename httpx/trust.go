package httpx

import (
	"crypto/x509"
	"fmt"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// DefaultTrustDomain names anchor bundles that are not tied to a SPIFFE
// trust domain.
const DefaultTrustDomain = "anchors.local"

// TrustPolicy selects what happens when the peer chain fails verification.
type TrustPolicy int

const (
	// TrustRequired fails the handshake with a certificate error.
	TrustRequired TrustPolicy = iota
	// TrustInsecure records and logs the failure but lets the handshake
	// complete. It is never a default.
	TrustInsecure
)

func (p TrustPolicy) String() string {
	if p == TrustInsecure {
		return "insecure"
	}
	return "required"
}

// TrustStore is an immutable set of trust anchors.
type TrustStore struct {
	bundle *x509bundle.Bundle
	pool   *x509.CertPool
}

// ParseTrustAnchors parses one or more PEM certificates under the default
// trust domain.
func ParseTrustAnchors(pem []byte) (*TrustStore, error) {
	return ParseTrustBundle(DefaultTrustDomain, pem)
}

// ParseTrustBundle parses PEM certificates as the X.509 bundle of domain.
// Malformed or empty input is a trust store error.
func ParseTrustBundle(domain string, pem []byte) (*TrustStore, error) {
	td, err := trustDomain(domain)
	if err != nil {
		return nil, err
	}
	b, err := x509bundle.Parse(td, pem)
	if err != nil {
		return nil, newError(KindTrustStore, "parse trust anchors", err)
	}
	return newTrustStore(b)
}

// LoadTrustAnchors reads a PEM bundle file under the default trust domain.
func LoadTrustAnchors(path string) (*TrustStore, error) {
	return LoadTrustBundle(DefaultTrustDomain, path)
}

func LoadTrustBundle(domain, path string) (*TrustStore, error) {
	td, err := trustDomain(domain)
	if err != nil {
		return nil, err
	}
	b, err := x509bundle.Load(td, path)
	if err != nil {
		return nil, newError(KindTrustStore, "load trust anchors", err)
	}
	return newTrustStore(b)
}

func trustDomain(domain string) (spiffeid.TrustDomain, error) {
	if domain == "" {
		domain = DefaultTrustDomain
	}
	td, err := spiffeid.TrustDomainFromString(domain)
	if err != nil {
		return spiffeid.TrustDomain{}, newError(KindTrustStore, "trust domain", err)
	}
	return td, nil
}

func newTrustStore(b *x509bundle.Bundle) (*TrustStore, error) {
	if b.Empty() {
		return nil, newError(KindTrustStore, "parse trust anchors", ErrEmptyTrust)
	}
	pool := x509.NewCertPool()
	for _, c := range b.X509Authorities() {
		pool.AddCert(c)
	}
	return &TrustStore{bundle: b, pool: pool}, nil
}

// Domain is the trust domain the anchors were loaded under.
func (s *TrustStore) Domain() string { return s.bundle.TrustDomain().Name() }

// Anchors returns copies of the anchor certificate pointers.
func (s *TrustStore) Anchors() []*x509.Certificate { return s.bundle.X509Authorities() }

func (s *TrustStore) Len() int { return len(s.bundle.X509Authorities()) }

// Pool returns the anchors as a pool for chain verification.
func (s *TrustStore) Pool() *x509.CertPool { return s.pool }

func (s *TrustStore) String() string {
	return fmt.Sprintf("trust store %s (%d anchors)", s.Domain(), s.Len())
}
