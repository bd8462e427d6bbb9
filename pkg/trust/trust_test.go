package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestPKIValidatorRejectsExpiredCertificate(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
	v := NewPKIValidator(x509.NewCertPool())
	err := v.ValidateChain(cert, nil, PurposeSignatureVerification)
	assert.ErrorIs(t, err, ErrCertificateExpired)
}

func TestPKIValidatorRejectsNotYetValidCertificate(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(24*time.Hour), time.Now().Add(48*time.Hour))
	v := NewPKIValidator(x509.NewCertPool())
	err := v.ValidateChain(cert, nil, PurposeSignatureVerification)
	assert.ErrorIs(t, err, ErrCertificateNotYetValid)
}

func TestPKIValidatorRejectsUntrustedChain(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	v := NewPKIValidator(x509.NewCertPool()) // empty root pool: self-signed cert is untrusted
	err := v.ValidateChain(cert, nil, PurposeSignatureVerification)
	assert.ErrorIs(t, err, ErrCertificateUntrusted)
}

func TestPKIValidatorAcceptsSelfSignedCertInItsOwnRootPool(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	v := NewPKIValidator(roots)
	err := v.ValidateChain(cert, nil, PurposeSignatureVerification)
	assert.NoError(t, err)
}

type stubValidator struct {
	err error
}

func (s *stubValidator) ValidateChain(cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error {
	return s.err
}

type stubChecker struct {
	err error
}

func (s *stubChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	return s.err
}

func TestRevocationAwareValidatorPropagatesBaseFailure(t *testing.T) {
	wantErr := errors.New("chain invalid")
	v := NewRevocationAwareValidator(&stubValidator{err: wantErr}, &stubChecker{})
	err := v.ValidateChain(&x509.Certificate{}, []*x509.Certificate{{}}, PurposeKeyTransport)
	assert.Equal(t, wantErr, err)
}

func TestRevocationAwareValidatorSkipsRevocationWithoutIntermediates(t *testing.T) {
	v := NewRevocationAwareValidator(&stubValidator{}, &stubChecker{err: ErrCertificateRevoked})
	err := v.ValidateChain(&x509.Certificate{}, nil, PurposeKeyTransport)
	assert.NoError(t, err)
}

func TestRevocationAwareValidatorRejectsRevokedCertificate(t *testing.T) {
	v := NewRevocationAwareValidator(&stubValidator{}, &stubChecker{err: ErrCertificateRevoked})
	err := v.ValidateChain(&x509.Certificate{}, []*x509.Certificate{{}}, PurposeKeyTransport)
	assert.ErrorIs(t, err, ErrCertificateRevoked)
}

func TestRevocationAwareValidatorAcceptsGoodCertificate(t *testing.T) {
	v := NewRevocationAwareValidator(&stubValidator{}, &stubChecker{})
	err := v.ValidateChain(&x509.Certificate{}, []*x509.Certificate{{}}, PurposeKeyTransport)
	assert.NoError(t, err)
}
