package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/streamxmlsec/engine/pkg/algorithm"
)

// FileProvider implements Provider using PEM files on disk: a key named
// "foo" is loaded from {keyDir}/foo.key and {keyDir}/foo.crt. Intended
// for development and testing; production deployments should use
// PKCS#11.
type FileProvider struct {
	keyDir string
	mu     sync.RWMutex
	keys   map[string]*fileKey
}

// NewFileProvider builds a FileProvider rooted at keyDir.
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}
	return &FileProvider{keyDir: keyDir, keys: make(map[string]*fileKey)}, nil
}

func (p *FileProvider) GetKey(ctx context.Context, keyID string) (Key, error) {
	p.mu.RLock()
	if k, ok := p.keys[keyID]; ok {
		p.mu.RUnlock()
		return k, nil
	}
	p.mu.RUnlock()

	k, err := p.loadKey(keyID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.keys[keyID] = k
	p.mu.Unlock()
	return k, nil
}

func (p *FileProvider) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	entries, err := os.ReadDir(p.keyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}
		keyID := entry.Name()[:len(entry.Name())-4]
		cert, err := loadCertificate(filepath.Join(p.keyDir, keyID+".crt"))
		if err != nil {
			continue
		}
		keys = append(keys, KeyInfo{
			KeyID:              keyID,
			Algorithm:          keyAlgorithmName(cert.PublicKey),
			KeySize:            keySize(cert.PublicKey),
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			CertificateSubject: cert.Subject.String(),
		})
	}
	return keys, nil
}

func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string]*fileKey)
	return nil
}

func (p *FileProvider) loadKey(keyID string) (*fileKey, error) {
	keyPath := filepath.Join(p.keyDir, keyID+".key")
	certPath := filepath.Join(p.keyDir, keyID+".crt")

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	return &fileKey{key: key, cert: cert, sigURI: signatureAlgorithmURI(key)}, nil
}

// fileKey implements Key over an in-process crypto.Signer loaded from a
// PEM file.
type fileKey struct {
	key    crypto.Signer
	cert   *x509.Certificate
	sigURI string
}

func (k *fileKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.key.Sign(rand, digest, opts)
}

func (k *fileKey) Public() crypto.PublicKey { return k.key.Public() }

func (k *fileKey) Decrypter() (crypto.Decrypter, bool) {
	d, ok := k.key.(crypto.Decrypter)
	return d, ok
}

func (k *fileKey) Certificate() *x509.Certificate { return k.cert }

func (k *fileKey) SignatureAlgorithmURI() string { return k.sigURI }

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func loadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func signatureAlgorithmURI(key crypto.Signer) string {
	switch key.(type) {
	case *ecdsa.PrivateKey:
		return "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	case *rsa.PrivateKey:
		return algorithm.SignatureRSASHA256
	default:
		return algorithm.SignatureEd25519
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Ed25519"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 256
	}
}
