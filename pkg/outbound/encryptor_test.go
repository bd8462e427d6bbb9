package outbound

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/stream"
	"github.com/streamxmlsec/engine/pkg/token"
)

type rsaPubResolver struct{ pub *rsa.PublicKey }

func (r *rsaPubResolver) SecretKeyFor(algorithmURI string, usage token.Usage, correlationID string) ([]byte, error) {
	return nil, nil
}
func (r *rsaPubResolver) PublicKeyFor(algorithmURI string, usage token.Usage, correlationID string) (any, error) {
	return r.pub, nil
}

func aesCBCDecrypt(t *testing.T, key, iv, ciphertext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	padLen := int(out[len(out)-1])
	return out[:len(out)-padLen]
}

func TestEncryptionHandlerRoundTripsSubtreeContent(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	transport := token.New("transport", &rsaPubResolver{pub: &priv.PublicKey}, nil)

	cfg := NewEncryptorConfig(EncryptorConfig{})
	h := NewEncryptionHandler(cfg, transport, algorithm.Default(), stream.QName{LocalName: "Body"})

	events := []stream.Event{
		{Type: stream.StartElement, Name: stream.QName{LocalName: "Body"}},
		{Type: stream.StartElement, Name: stream.QName{LocalName: "Secret"}},
		{Type: stream.Characters, Text: "classified"},
		{Type: stream.EndElement, Name: stream.QName{LocalName: "Secret"}},
		{Type: stream.EndElement, Name: stream.QName{LocalName: "Body"}},
	}

	var out []stream.Event
	for _, e := range events {
		got, err := h.WriteEvent(e)
		require.NoError(t, err)
		out = append(out, got...)
	}

	require.NotEmpty(t, out)
	assert.Equal(t, stream.StartElement, out[0].Type)
	assert.Equal(t, "Body", out[0].Name.LocalName)

	var sawEncryptedData bool
	var wrappedKeyB64, cipherB64 string
	for i, e := range out {
		if e.Name.LocalName == "EncryptedData" && e.Type == stream.StartElement {
			sawEncryptedData = true
		}
		if e.Name.LocalName == "CipherValue" && e.Type == stream.StartElement && i+1 < len(out) {
			if wrappedKeyB64 == "" {
				wrappedKeyB64 = out[i+1].Text
			} else {
				cipherB64 = out[i+1].Text
			}
		}
	}
	require.True(t, sawEncryptedData)
	require.NotEmpty(t, wrappedKeyB64)
	require.NotEmpty(t, cipherB64)

	wrappedKey, err := base64.StdEncoding.DecodeString(wrappedKeyB64)
	require.NoError(t, err)
	sessionKey, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrappedKey, nil)
	require.NoError(t, err)
	assert.Len(t, sessionKey, 32) // AES-256 default

	combined, err := base64.StdEncoding.DecodeString(cipherB64)
	require.NoError(t, err)
	iv, ciphertext := combined[:aes.BlockSize], combined[aes.BlockSize:]
	plaintext := aesCBCDecrypt(t, sessionKey, iv, ciphertext)
	assert.Equal(t, "<Secret>classified</Secret>", string(plaintext))

	last := out[len(out)-1]
	assert.Equal(t, stream.EndElement, last.Type)
	assert.Equal(t, "Body", last.Name.LocalName)
}

func TestEncryptionHandlerPassesThroughEventsBeforeTargetStarts(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	transport := token.New("transport", &rsaPubResolver{pub: &priv.PublicKey}, nil)
	h := NewEncryptionHandler(NewEncryptorConfig(EncryptorConfig{}), transport, algorithm.Default(), stream.QName{LocalName: "Body"})

	out, err := h.WriteEvent(stream.Event{Type: stream.StartElement, Name: stream.QName{LocalName: "Envelope"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Envelope", out[0].Name.LocalName)
}

func TestNewEncryptorConfigAppliesDefaults(t *testing.T) {
	cfg := NewEncryptorConfig(EncryptorConfig{})
	assert.Equal(t, algorithm.KeyTransportRSAOAEPMGF1P, cfg.KeyTransportURI)
	assert.Equal(t, algorithm.EncAES256CBC, cfg.SymmetricURI)
}

func TestNewEncryptorConfigPreservesExplicitValues(t *testing.T) {
	cfg := NewEncryptorConfig(EncryptorConfig{SymmetricURI: algorithm.EncAES128CBC})
	assert.Equal(t, algorithm.EncAES128CBC, cfg.SymmetricURI)
}
