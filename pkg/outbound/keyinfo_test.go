package outbound

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/stream"
)

func makeCert(t *testing.T) *x509.Certificate {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestKeyInfoEventsEmptyChainProducesNoEvents(t *testing.T) {
	assert.Nil(t, keyInfoEvents(nil))
}

func TestKeyInfoEventsBuildsKeyInfoX509DataSubtree(t *testing.T) {
	cert := makeCert(t)
	events := keyInfoEvents([]*x509.Certificate{cert})

	require.Len(t, events, 7)
	assert.Equal(t, stream.StartElement, events[0].Type)
	assert.Equal(t, "KeyInfo", events[0].Name.LocalName)
	assert.Equal(t, dsigNS, events[0].Name.NamespaceURI)

	assert.Equal(t, "X509Data", events[1].Name.LocalName)
	assert.Equal(t, "X509Certificate", events[2].Name.LocalName)

	assert.Equal(t, stream.Characters, events[3].Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString(cert.Raw), events[3].Text)

	assert.Equal(t, stream.EndElement, events[4].Type)
	assert.Equal(t, "X509Certificate", events[4].Name.LocalName)
	assert.Equal(t, stream.EndElement, events[5].Type)
	assert.Equal(t, "X509Data", events[5].Name.LocalName)
	assert.Equal(t, stream.EndElement, events[6].Type)
	assert.Equal(t, "KeyInfo", events[6].Name.LocalName)
}

func TestKeyInfoEventsMultipleCertificatesInChain(t *testing.T) {
	leaf := makeCert(t)
	intermediate := makeCert(t)
	events := keyInfoEvents([]*x509.Certificate{leaf, intermediate})

	var certStarts int
	for _, e := range events {
		if e.Type == stream.StartElement && e.Name.LocalName == "X509Certificate" {
			certStarts++
		}
	}
	assert.Equal(t, 2, certStarts)
}

func TestLocalNameStripsPrefix(t *testing.T) {
	assert.Equal(t, "KeyInfo", localName("ds:KeyInfo"))
	assert.Equal(t, "Unprefixed", localName("Unprefixed"))
}
