package inbound

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/streamxmlsec/engine/pkg/enckey"
	"github.com/streamxmlsec/engine/pkg/provider"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
	"github.com/streamxmlsec/engine/pkg/token"
)

// DecryptionHandler watches for EncryptedData elements, resolves the
// embedded EncryptedKey via the enckey registry (C11), unwraps the
// session key, and replaces the EncryptedData subtree with a single
// Characters event carrying the decrypted plaintext; the plaintext is
// not re-parsed into element events.
//
// This handler is intentionally minimal: it recognizes exactly the
// EncryptedData/EncryptionMethod/KeyInfo/EncryptedKey/CipherData shape
// this engine's own outbound encryptor produces (pkg/outbound), which is
// sufficient to round-trip documents this engine wrote and is the
// documented interoperability surface — a general-purpose XML-Enc
// decryptor accepting arbitrary KeyInfo shapes belongs to a richer
// KeyInfo-parsing layer the caller supplies via enckey.WrappingTokenResolver.
type DecryptionHandler struct {
	providers *provider.Registry
	enc       *enckey.Registry

	inEncryptedData bool
	depth           int
	buf             bytes.Buffer
	fields          encryptedDataFields
}

type encryptedDataFields struct {
	symmetricURI  string
	transportURI  string
	wrappedKeyB64 string
	cipherB64     string
	currentField  string
}

// NewDecryptionHandler constructs a handler that builds the lazy unwrap
// token for each inline EncryptedKey directly via enc. providers is kept
// on the handler but nothing is registered with it.
func NewDecryptionHandler(providers *provider.Registry, enc *enckey.Registry) *DecryptionHandler {
	return &DecryptionHandler{providers: providers, enc: enc}
}

func (h *DecryptionHandler) ProcessEvent(e stream.Event, chain *Chain) ([]stream.Event, error) {
	if !h.inEncryptedData {
		if e.IsStartElement() && e.Name.LocalName == "EncryptedData" {
			h.inEncryptedData = true
			h.depth = 1
			h.fields = encryptedDataFields{}
			return nil, nil
		}
		return []stream.Event{e}, nil
	}

	switch {
	case e.IsStartElement():
		h.depth++
		h.fields.currentField = e.Name.LocalName
		if e.Name.LocalName == "EncryptionMethod" {
			if alg, ok := e.Attr(stream.QName{LocalName: "Algorithm"}); ok {
				if h.fields.symmetricURI == "" {
					h.fields.symmetricURI = alg
				} else {
					h.fields.transportURI = alg
				}
			}
		}
	case e.IsEndElement():
		h.depth--
	case e.Type == stream.Characters:
		switch h.fields.currentField {
		case "CipherValue":
			if h.fields.wrappedKeyB64 == "" && h.fields.transportURI != "" && h.fields.cipherB64 == "" {
				// first CipherValue encountered belongs to EncryptedKey
				h.fields.wrappedKeyB64 = e.Text
			} else {
				h.fields.cipherB64 = e.Text
			}
		}
	}

	if h.depth == 0 && e.IsEndElement() && e.Name.LocalName == "EncryptedData" {
		h.inEncryptedData = false
		out, err := h.decrypt()
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, nil
}

func (h *DecryptionHandler) decrypt() ([]stream.Event, error) {
	transportToken := h.enc.Build(enckey.EncryptedKeyRecord{
		ID:                 "inline-encrypted-key",
		TransportURI:       h.fields.transportURI,
		SymmetricURI:       h.fields.symmetricURI,
		CipherValue:        mustDecodeB64(h.fields.wrappedKeyB64),
		KeyInfoCorrelation: "inline-encrypted-key",
	})

	sessionKey, err := transportToken.SecretKeyFor(h.fields.transportURI, token.UsageSymmetricKeyWrap, "inline-encrypted-key")
	if err != nil {
		return nil, err
	}

	combined := mustDecodeB64(h.fields.cipherB64)
	if len(combined) < aes.BlockSize {
		return nil, securr.New(securr.InvalidSecurity, "EncryptedData cipher value too short")
	}
	iv, ciphertext := combined[:aes.BlockSize], combined[aes.BlockSize:]

	plaintext, err := aesCBCDecrypt(sessionKey, iv, ciphertext)
	if err != nil {
		return nil, securr.Wrap(securr.InvalidSecurity, "decrypting EncryptedData", err)
	}

	return []stream.Event{{Type: stream.Characters, Text: string(plaintext)}}, nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, securr.New(securr.InvalidSecurity, "ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, securr.New(securr.InvalidSecurity, "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, securr.New(securr.InvalidSecurity, "invalid PKCS#7 padding")
	}
	return data[:len(data)-padLen], nil
}

func mustDecodeB64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func (h *DecryptionHandler) DoFinal(chain *Chain) error { return nil }
