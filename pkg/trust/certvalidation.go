// Package trust validates the X.509 certificate chains carried on
// security tokens (C5) before the token is trusted for signature
// verification or key transport, and checks certificate revocation
// status, per the supplemented certificate-validation and revocation
// features this engine carries in addition to the core XML-Sig/XML-Enc
// processing.
package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired.
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid.
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate chain does not
	// verify against the configured trust roots.
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked.
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrInvalidCertificate is returned for other certificate validation failures.
	ErrInvalidCertificate = errors.New("certificate validation failed")
)

// Purpose names the intended usage of the certificate being validated,
// mirroring the token.Usage values a verified certificate chain backs.
type Purpose string

const (
	PurposeSignatureVerification Purpose = "signature-verification"
	PurposeKeyTransport          Purpose = "key-transport"
)

// Validator validates a certificate chain against a trust policy.
// Implementations may enforce traditional PKI trust, certificate
// pinning, or other policies; this package ships the traditional-PKI
// implementation.
type Validator interface {
	// ValidateChain validates cert against intermediates and returns an
	// error if the chain does not verify, has expired, or is not
	// appropriate for purpose.
	ValidateChain(cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error
}

// PKIValidator validates certificate chains against a fixed root pool
// using the standard library's chain-building and expiry checks.
type PKIValidator struct {
	roots *x509.CertPool
}

// NewPKIValidator builds a PKIValidator trusting the given root pool.
func NewPKIValidator(roots *x509.CertPool) *PKIValidator {
	return &PKIValidator{roots: roots}
}

// ValidateChain checks cert's validity window, builds an intermediate
// pool from intermediates, and verifies the chain against v's roots,
// restricting extended key usage according to purpose.
func (v *PKIValidator) ValidateChain(cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, ic := range intermediates {
		opts.Intermediates.AddCert(ic)
	}

	switch purpose {
	case PurposeSignatureVerification:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny}
	case PurposeKeyTransport:
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny}
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}
