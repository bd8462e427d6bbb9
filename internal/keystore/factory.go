package keystore

import "fmt"

// Config selects and configures one keystore backend.
type Config struct {
	Mode   string // "file" or "pkcs11"
	File   FileConfig
	PKCS11 PKCS11Config
}

// FileConfig configures the file-based backend.
type FileConfig struct {
	KeyDir string
}

// NewProvider builds a Provider from cfg.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "pkcs11":
		return NewPKCS11Provider(&cfg.PKCS11)
	case "file", "":
		keyDir := cfg.File.KeyDir
		if keyDir == "" {
			keyDir = "./keys"
		}
		return NewFileProvider(keyDir)
	default:
		return nil, fmt.Errorf("unknown keystore mode: %s", cfg.Mode)
	}
}
