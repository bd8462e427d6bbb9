// Package config handles configuration loading for cmd/xmlsecdemo.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax), so secrets like a PKCS#11
// PIN or a resolver's MongoDB URI can be injected at runtime rather than
// checked into the file on disk.
//
// # Example Configuration
//
//	resolver:
//	  allowExternalFetch: true
//	  gridfs:
//	    uri: ${MONGODB_URI}
//	    database: xmlsec
//
//	keystore:
//	  mode: file
//	  file:
//	    keyDir: ./keys
//
//	sign:
//	  signatureAlgorithm: ""   # empty selects the §6 default for the key family
//	  digestAlgorithm: ""
//	  canonicalization: ""
//
//	encrypt:
//	  keyTransportAlgorithm: ""
//	  symmetricAlgorithm: ""
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is cmd/xmlsecdemo's root configuration structure.
type Config struct {
	Resolver ResolverConfig `yaml:"resolver"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Sign     SignConfig     `yaml:"sign"`
	Encrypt  EncryptConfig  `yaml:"encrypt"`
}

// ResolverConfig configures the resource resolver registry (C2).
type ResolverConfig struct {
	AllowExternalFetch bool         `yaml:"allowExternalFetch"`
	GridFS             GridFSConfig `yaml:"gridfs"`
}

// GridFSConfig configures the optional GridFS external-reference backend.
type GridFSConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	BucketName string `yaml:"bucketName"`
}

// KeystoreConfig selects the key-storage backend (internal/keystore).
type KeystoreConfig struct {
	Mode string `yaml:"mode"` // "file" or "pkcs11"
	File struct {
		KeyDir string `yaml:"keyDir"`
	} `yaml:"file"`
	PKCS11 struct {
		ModulePath      string `yaml:"modulePath"`
		SlotLabel       string `yaml:"slotLabel"`
		PIN             string `yaml:"pin"`
		KeyLabelPattern string `yaml:"keyLabelPattern"`
	} `yaml:"pkcs11"`
}

// SignConfig names the outbound signature algorithm choices, with an
// empty field selecting its §6 default.
type SignConfig struct {
	KeyID                 string `yaml:"keyId"`
	SignatureAlgorithmURI string `yaml:"signatureAlgorithm"`
	DigestAlgorithmURI    string `yaml:"digestAlgorithm"`
	CanonicalizationURI   string `yaml:"canonicalization"`
}

// EncryptConfig names the outbound encryption algorithm choices, with
// an empty field selecting its §6 default.
type EncryptConfig struct {
	TransportKeyID  string `yaml:"transportKeyId"`
	KeyTransportURI string `yaml:"keyTransportAlgorithm"`
	SymmetricURI    string `yaml:"symmetricAlgorithm"`
}

// Load reads and parses the YAML configuration at path, expanding
// ${VAR}/$VAR references against the process environment before
// unmarshalling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Keystore.Mode == "" {
		c.Keystore.Mode = "file"
	}
	if c.Keystore.File.KeyDir == "" {
		c.Keystore.File.KeyDir = "./keys"
	}
	if c.Resolver.GridFS.BucketName == "" {
		c.Resolver.GridFS.BucketName = "xmlsec-references"
	}
}
