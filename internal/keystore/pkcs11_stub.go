//go:build !pkcs11

package keystore

import (
	"context"
	"errors"
)

// PKCS11Provider is a stub returning ErrPKCS11NotSupported for every
// operation when the binary is not built with -tags pkcs11.
type PKCS11Provider struct{}

// PKCS11Config configures the PKCS#11 provider.
type PKCS11Config struct {
	ModulePath      string
	SlotID          *uint
	SlotLabel       string
	PIN             string
	KeyLabelPattern string
}

// ErrPKCS11NotSupported is returned when PKCS#11 operations are
// attempted but the binary was not compiled with PKCS#11 support.
var ErrPKCS11NotSupported = errors.New("PKCS#11 support not compiled in (build with -tags pkcs11)")

func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) GetKey(ctx context.Context, keyID string) (Key, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	return nil, ErrPKCS11NotSupported
}

func (p *PKCS11Provider) Close() error {
	return nil
}
