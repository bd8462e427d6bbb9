package inbound

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
	"github.com/streamxmlsec/engine/pkg/enckey"
	"github.com/streamxmlsec/engine/pkg/provider"
	"github.com/streamxmlsec/engine/pkg/stream"
	"github.com/streamxmlsec/engine/pkg/token"
)

type fixedWrappingResolver struct{ tok *token.Token }

func (f *fixedWrappingResolver) ResolveWrappingToken(keyInfoCorrelationID string) (*token.Token, error) {
	return f.tok, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func aesCBCEncrypt(t *testing.T, key, plaintext []byte) (iv, ciphertext []byte) {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	iv = make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext
}

func qname(local string) stream.QName { return stream.QName{LocalName: local} }
func attr(local, value string) stream.Attribute {
	return stream.Attribute{Name: qname(local), Value: value}
}

func TestDecryptionHandlerRoundTripsInlineEncryptedData(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrappingTok := token.New("wrapping", nil, nil)
	wrappingTok.SetDecrypter(priv)

	sessionKey := make([]byte, 32)
	_, err = rand.Read(sessionKey)
	require.NoError(t, err)
	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &priv.PublicKey, sessionKey, nil)
	require.NoError(t, err)

	plaintext := []byte("<Body>secret</Body>")
	iv, ciphertext := aesCBCEncrypt(t, sessionKey, plaintext)
	combined := append(append([]byte{}, iv...), ciphertext...)

	encReg := enckey.NewRegistry(&fixedWrappingResolver{tok: wrappingTok}, nil, algorithm.Default(), nil)
	handler := NewDecryptionHandler(provider.NewRegistry(), encReg)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qname("EncryptedData")},
		{Type: stream.StartElement, Name: qname("EncryptionMethod"), Attributes: []stream.Attribute{attr("Algorithm", algorithm.EncAES256CBC)}},
		{Type: stream.EndElement, Name: qname("EncryptionMethod")},
		{Type: stream.StartElement, Name: qname("KeyInfo")},
		{Type: stream.StartElement, Name: qname("EncryptedKey")},
		{Type: stream.StartElement, Name: qname("EncryptionMethod"), Attributes: []stream.Attribute{attr("Algorithm", algorithm.KeyTransportRSAOAEP)}},
		{Type: stream.EndElement, Name: qname("EncryptionMethod")},
		{Type: stream.StartElement, Name: qname("CipherData")},
		{Type: stream.StartElement, Name: qname("CipherValue")},
		{Type: stream.Characters, Text: base64.StdEncoding.EncodeToString(wrappedKey)},
		{Type: stream.EndElement, Name: qname("CipherValue")},
		{Type: stream.EndElement, Name: qname("CipherData")},
		{Type: stream.EndElement, Name: qname("EncryptedKey")},
		{Type: stream.EndElement, Name: qname("KeyInfo")},
		{Type: stream.StartElement, Name: qname("CipherData")},
		{Type: stream.StartElement, Name: qname("CipherValue")},
		{Type: stream.Characters, Text: base64.StdEncoding.EncodeToString(combined)},
		{Type: stream.EndElement, Name: qname("CipherValue")},
		{Type: stream.EndElement, Name: qname("CipherData")},
		{Type: stream.EndElement, Name: qname("EncryptedData")},
	}

	src := &sliceSource{events: events}
	chain := NewChain(src, stream.NewDocumentContext(""))
	chain.AppendInitialHandler(handler)

	out := drainChain(t, chain)
	require.Len(t, out, 1)
	assert.Equal(t, string(plaintext), out[0].Text)
}

func TestDecryptionHandlerFailsClosedOnCorruptCiphertext(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrappingTok := token.New("wrapping", nil, nil)
	wrappingTok.SetDecrypter(priv)

	sessionKey := make([]byte, 32)
	_, err = rand.Read(sessionKey)
	require.NoError(t, err)
	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &priv.PublicKey, sessionKey, nil)
	require.NoError(t, err)

	encReg := enckey.NewRegistry(&fixedWrappingResolver{tok: wrappingTok}, nil, algorithm.Default(), nil)
	handler := NewDecryptionHandler(provider.NewRegistry(), encReg)

	events := []stream.Event{
		{Type: stream.StartElement, Name: qname("EncryptedData")},
		{Type: stream.StartElement, Name: qname("EncryptionMethod"), Attributes: []stream.Attribute{attr("Algorithm", algorithm.EncAES256CBC)}},
		{Type: stream.EndElement, Name: qname("EncryptionMethod")},
		{Type: stream.StartElement, Name: qname("KeyInfo")},
		{Type: stream.StartElement, Name: qname("EncryptedKey")},
		{Type: stream.StartElement, Name: qname("EncryptionMethod"), Attributes: []stream.Attribute{attr("Algorithm", algorithm.KeyTransportRSAOAEP)}},
		{Type: stream.EndElement, Name: qname("EncryptionMethod")},
		{Type: stream.StartElement, Name: qname("CipherData")},
		{Type: stream.StartElement, Name: qname("CipherValue")},
		{Type: stream.Characters, Text: base64.StdEncoding.EncodeToString(wrappedKey)},
		{Type: stream.EndElement, Name: qname("CipherValue")},
		{Type: stream.EndElement, Name: qname("CipherData")},
		{Type: stream.EndElement, Name: qname("EncryptedKey")},
		{Type: stream.EndElement, Name: qname("KeyInfo")},
		{Type: stream.StartElement, Name: qname("CipherData")},
		{Type: stream.StartElement, Name: qname("CipherValue")},
		{Type: stream.Characters, Text: base64.StdEncoding.EncodeToString([]byte("too short"))},
		{Type: stream.EndElement, Name: qname("CipherValue")},
		{Type: stream.EndElement, Name: qname("CipherData")},
		{Type: stream.EndElement, Name: qname("EncryptedData")},
	}

	src := &sliceSource{events: events}
	chain := NewChain(src, stream.NewDocumentContext(""))
	chain.AppendInitialHandler(handler)

	var ok bool
	for {
		_, ok, err = chain.NextEvent()
		if err != nil || !ok {
			break
		}
	}
	assert.Error(t, err)
}
