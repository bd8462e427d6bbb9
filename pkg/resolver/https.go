package resolver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/streamxmlsec/engine/pkg/securr"
)

// HTTPSConfig configures the external HTTPS resolver's transport. The
// defaults mirror a conservative TLS 1.2/1.3-only posture.
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// RecommendedTLS12CipherSuites restricts TLS 1.2 connections to AEAD
// cipher suites with forward secrecy.
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// DefaultHTTPSConfig returns a default external-resolver HTTPS configuration.
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   tls.VersionTLS12,
		MaxTLSVersion:   tls.VersionTLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// HTTPSResolver fetches external reference content over HTTP(S). It
// matches any reference URI with an "http" or "https" scheme.
type HTTPSResolver struct {
	client *http.Client
}

// NewHTTPSResolver builds an HTTPSResolver from config, or
// DefaultHTTPSConfig if config is nil.
func NewHTTPSResolver(config *HTTPSConfig) *HTTPSResolver {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:   config.MinTLSVersion,
			MaxVersion:   config.MaxTLSVersion,
			CipherSuites: config.CipherSuites,
			RootCAs:      config.RootCAs,
		},
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}
	return &HTTPSResolver{
		client: &http.Client{Transport: transport, Timeout: config.Timeout},
	}
}

func (h *HTTPSResolver) Matches(refURI, baseURI string) bool {
	resolved := resolveAgainstBase(refURI, baseURI)
	u, err := url.Parse(resolved)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (h *HTTPSResolver) IsSameDocumentReference() bool { return false }

func (h *HTTPSResolver) Resolve(ctx context.Context, refURI, baseURI string) (io.ReadCloser, error) {
	resolved := resolveAgainstBase(refURI, baseURI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, securr.Wrap(securr.IOFailure, "building external reference request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, securr.Wrap(securr.IOFailure, "fetching external reference: "+resolved, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, securr.New(securr.IOFailure, fmt.Sprintf("external reference %s returned status %d", resolved, resp.StatusCode))
	}
	return resp.Body, nil
}

func resolveAgainstBase(refURI, baseURI string) string {
	ref, err := url.Parse(refURI)
	if err != nil {
		return refURI
	}
	if ref.IsAbs() || baseURI == "" {
		return refURI
	}
	base, err := url.Parse(baseURI)
	if err != nil {
		return refURI
	}
	return base.ResolveReference(ref).String()
}
