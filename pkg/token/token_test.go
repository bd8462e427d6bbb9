package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamxmlsec/engine/pkg/secevent"
	"github.com/streamxmlsec/engine/pkg/securr"
)

type stubResolver struct {
	secret []byte
	public any
	err    error
}

func (r *stubResolver) SecretKeyFor(algorithmURI string, usage Usage, correlationID string) ([]byte, error) {
	return r.secret, r.err
}

func (r *stubResolver) PublicKeyFor(algorithmURI string, usage Usage, correlationID string) (any, error) {
	return r.public, r.err
}

func TestSecretKeyForRequiresCorrelationID(t *testing.T) {
	tok := New("tok-1", &stubResolver{secret: []byte("k")}, nil)
	_, err := tok.SecretKeyFor("uri", UsageDecryption, "")
	require.Error(t, err)
	assert.True(t, securr.Is(err, securr.InvalidConfiguration))
}

func TestSecretKeyForPublishesAlgorithmUsedEvent(t *testing.T) {
	bus := secevent.New()
	var got []secevent.Event
	bus.Register(func(e secevent.Event) { got = append(got, e) })

	tok := New("tok-1", &stubResolver{secret: []byte("0123456789abcdef")}, bus)
	key, err := tok.SecretKeyFor("aes-uri", UsageSymmetricKeyWrap, "corr-1")
	require.NoError(t, err)
	assert.Len(t, key, 16)

	require.Len(t, got, 1)
	assert.Equal(t, secevent.KindAlgorithmUsed, got[0].Kind)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, 128, got[0].KeyLengthBits)
}

func TestRecursionGuardRejectsReentrantFetch(t *testing.T) {
	tok := New("tok-1", &stubResolver{secret: []byte("k")}, nil)

	require.NoError(t, tok.enterGuard())
	_, err := tok.SecretKeyFor("uri", UsageDecryption, "corr")
	require.Error(t, err)
	assert.True(t, securr.Is(err, securr.RecursiveKeyReference))
	tok.exitGuard()

	_, err = tok.SecretKeyFor("uri", UsageDecryption, "corr")
	assert.NoError(t, err)
}

func TestAddUsagePropagatesToWrappingTokenTransitively(t *testing.T) {
	grandparent := New("grandparent", &stubResolver{}, nil)
	parent := New("parent", &stubResolver{}, nil)
	child := New("child", &stubResolver{}, nil)

	parent.SetWrappingToken(grandparent)
	child.SetWrappingToken(parent)

	require.NoError(t, child.AddUsage(UsageDecryption))

	assert.True(t, child.HasUsage(UsageDecryption))
	assert.True(t, parent.HasUsage(UsageDecryption))
	assert.True(t, grandparent.HasUsage(UsageDecryption))
}

func TestAddUsageDetectsCyclicWrappingGraph(t *testing.T) {
	a := New("a", &stubResolver{}, nil)
	b := New("b", &stubResolver{}, nil)
	a.SetWrappingToken(b)
	b.SetWrappingToken(a)

	err := a.AddUsage(UsageDecryption)
	require.Error(t, err)
	assert.True(t, securr.Is(err, securr.RecursiveKeyReference))
}

func TestSignerAndDecrypterMarkTokenAsymmetric(t *testing.T) {
	tok := New("tok-1", &stubResolver{}, nil)
	assert.False(t, tok.IsAsymmetric())

	tok.SetSigner(nil)
	assert.True(t, tok.IsAsymmetric())

	_, ok := tok.Signer()
	assert.False(t, ok) // nil signer was set, so Signer() reports not-present
}

func TestCertificateChainRequiredForValidation(t *testing.T) {
	tok := New("tok-1", &stubResolver{}, nil)
	err := tok.ValidateCertificateChain(nil, "")
	require.Error(t, err)
	assert.True(t, securr.Is(err, securr.KeyResolutionFailed))
}
