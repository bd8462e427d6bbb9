package outbound

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/token"
)

// aesDefaultIV is the fixed initial value mandated by RFC 3394 AES Key
// Wrap.
var aesDefaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKeyWrap implements RFC 3394 key wrapping of plaintext (required to
// be a multiple of 8 bytes) under kek.
func aesKeyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 {
		return nil, securr.New(securr.InvalidConfiguration, "AES key wrap input must be a multiple of 8 bytes")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, securr.Wrap(securr.UnsupportedAlgorithm, "constructing AES cipher for key wrap", err)
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n+1)
	copy(r[0][:], aesDefaultIV[:])
	for i := 0; i < n; i++ {
		copy(r[i+1][:], plaintext[i*8:(i+1)*8])
	}

	var a [8]byte
	copy(a[:], r[0][:])
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i][:])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range a {
				a[k] = buf[k] ^ tb[k]
			}
			copy(r[i][:], buf[8:])
		}
	}

	out := make([]byte, 8*(n+1))
	copy(out[:8], a[:])
	for i := 1; i <= n; i++ {
		copy(out[i*8:(i+1)*8], r[i][:])
	}
	return out, nil
}

// rsaOAEPWrap wraps sessionKey under the transport token's public key
// using RSA-OAEP with SHA-1 (the §6 default key-transport URI is
// rsa-oaep-mgf1p, which uses SHA-1 for both digest and MGF1).
func rsaOAEPWrap(transport *token.Token, sessionKey []byte) ([]byte, error) {
	pub, err := transport.PublicKeyFor(algorithm.KeyTransportRSAOAEPMGF1P, token.UsageAsymmetricKeyWrap, "session-key-wrap")
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, securr.New(securr.KeyResolutionFailed, "transport token did not produce an RSA public key")
	}
	return rsaEncryptOAEPSHA1(rsaPub, sessionKey)
}



func rsaEncryptOAEPSHA1(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, securr.Wrap(securr.TransformFailure, "RSA-OAEP wrap of session key failed", err)
	}
	return ct, nil
}
