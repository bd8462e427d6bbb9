package trust

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker checks whether a certificate has been revoked.
type RevocationChecker interface {
	// CheckRevocation returns nil if cert is not revoked, ErrCertificateRevoked
	// if it is, or another error if revocation status could not be determined.
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// OCSPConfig configures OCSPRevocationChecker.
type OCSPConfig struct {
	HTTPClient   *http.Client
	Timeout      time.Duration
	CRLFallback  bool
	CacheTimeout time.Duration
	StrictMode   bool
}

// DefaultOCSPConfig returns the recommended OCSP checker configuration.
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		Timeout:      10 * time.Second,
		CRLFallback:  true,
		CacheTimeout: time.Hour,
		StrictMode:   false,
	}
}

// OCSPRevocationChecker checks revocation via OCSP, falling back to CRL
// when OCSP cannot be reached and CRLFallback is enabled.
type OCSPRevocationChecker struct {
	config     *OCSPConfig
	httpClient *http.Client
	crlCache   *crlCache
	ocspCache  *ocspCache
}

// NewOCSPRevocationChecker builds a checker from config, or
// DefaultOCSPConfig() if config is nil.
func NewOCSPRevocationChecker(config *OCSPConfig) *OCSPRevocationChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPRevocationChecker{
		config:     config,
		httpClient: client,
		crlCache:   newCRLCache(config.CacheTimeout),
		ocspCache:  newOCSPCache(config.CacheTimeout),
	}
}

func (c *OCSPRevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil {
		return nil
	}
	if ocspErr == ErrCertificateRevoked {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert, issuer)
		if crlErr == nil {
			return nil
		}
		if crlErr == ErrCertificateRevoked {
			return crlErr
		}
		if c.config.StrictMode {
			return fmt.Errorf("revocation check failed: OCSP: %v, CRL: %v", ocspErr, crlErr)
		}
		return nil
	}

	if c.config.StrictMode {
		return fmt.Errorf("OCSP check failed: %w", ocspErr)
	}
	return nil
}

func (c *OCSPRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cached, ok := c.ocspCache.Get(cert.SerialNumber.String()); ok {
		return cached
	}
	if len(cert.OCSPServer) == 0 {
		return fmt.Errorf("no OCSP server URL in certificate")
	}
	ocspURL := cert.OCSPServer[0]

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("building OCSP request: %w", err)
	}
	resp, err := c.doOCSPRequest(ctx, ocspURL, req)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	ocspResp, err := ocsp.ParseResponse(resp, issuer)
	if err != nil {
		return fmt.Errorf("parsing OCSP response: %w", err)
	}

	var result error
	switch ocspResp.Status {
	case ocsp.Good:
		result = nil
	case ocsp.Revoked:
		result = ErrCertificateRevoked
	case ocsp.Unknown:
		result = fmt.Errorf("OCSP status unknown")
	default:
		result = fmt.Errorf("unexpected OCSP status: %d", ocspResp.Status)
	}
	c.ocspCache.Set(cert.SerialNumber.String(), result)
	return result
}

func (c *OCSPRevocationChecker) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.doOCSPGET(ctx, ocspURL, request)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.doOCSPGET(ctx, ocspURL, request)
	}
	return io.ReadAll(resp.Body)
}

func (c *OCSPRevocationChecker) doOCSPGET(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(request)
	reqURL := ocspURL + "/" + url.PathEscape(encoded)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *OCSPRevocationChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return fmt.Errorf("no CRL distribution points in certificate")
	}
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, err := c.fetchCRL(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertificateRevoked
			}
		}
		return nil
	}
	return fmt.Errorf("failed to check CRL: %w", lastErr)
}

func (c *OCSPRevocationChecker) fetchCRL(ctx context.Context, crlURL string) (*x509.RevocationList, error) {
	if cached, ok := c.crlCache.Get(crlURL); ok {
		return cached, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, crlURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CRL server returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	c.crlCache.Set(crlURL, crl)
	return crl, nil
}

type crlCache struct {
	mu      sync.RWMutex
	cache   map[string]*crlEntry
	timeout time.Duration
}

type crlEntry struct {
	crl       *x509.RevocationList
	fetchedAt time.Time
}

func newCRLCache(timeout time.Duration) *crlCache {
	return &crlCache{cache: make(map[string]*crlEntry), timeout: timeout}
}

func (c *crlCache) Get(url string) (*x509.RevocationList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[url]
	if !ok || time.Since(entry.fetchedAt) > c.timeout {
		return nil, false
	}
	return entry.crl, true
}

func (c *crlCache) Set(url string, crl *x509.RevocationList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[url] = &crlEntry{crl: crl, fetchedAt: time.Now()}
}

type ocspCache struct {
	mu      sync.RWMutex
	cache   map[string]*ocspEntry
	timeout time.Duration
}

type ocspEntry struct {
	err       error
	checkedAt time.Time
}

func newOCSPCache(timeout time.Duration) *ocspCache {
	return &ocspCache{cache: make(map[string]*ocspEntry), timeout: timeout}
}

func (c *ocspCache) Get(serial string) (error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[serial]
	if !ok || time.Since(entry.checkedAt) > c.timeout {
		return nil, false
	}
	return entry.err, true
}

func (c *ocspCache) Set(serial string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[serial] = &ocspEntry{err: err, checkedAt: time.Now()}
}

// RevocationAwareValidator wraps a Validator, additionally rejecting
// revoked certificates.
type RevocationAwareValidator struct {
	base    Validator
	checker RevocationChecker
}

// NewRevocationAwareValidator builds a Validator layering checker's
// revocation check on top of base's chain validation.
func NewRevocationAwareValidator(base Validator, checker RevocationChecker) *RevocationAwareValidator {
	return &RevocationAwareValidator{base: base, checker: checker}
}

func (v *RevocationAwareValidator) ValidateChain(cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error {
	if err := v.base.ValidateChain(cert, intermediates, purpose); err != nil {
		return err
	}
	if v.checker != nil && len(intermediates) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := v.checker.CheckRevocation(ctx, cert, intermediates[0]); err != nil {
			return err
		}
	}
	return nil
}
