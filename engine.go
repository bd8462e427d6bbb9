// Package streamxmlsec implements a streaming W3C XML Signature and XML
// Encryption engine: inbound processing consumes a pull-based event
// stream and verifies/decrypts as it goes, while outbound processing
// accepts an application-written push-based event stream and signs/
// encrypts in place, without ever materializing the whole document.
//
// The engine is assembled from independently testable components:
// an algorithm registry (pkg/algorithm), resource resolver (pkg/resolver),
// digest sink (pkg/digest), canonicalization/transform chain (pkg/canon),
// security token model (pkg/token), token provider registry
// (pkg/provider), security event bus (pkg/secevent), input processor
// chain and reference verifier (pkg/inbound), output processor chain
// (pkg/outbound), and the EncryptedKey handler (pkg/enckey). This
// package wires them together behind the begin-inbound/begin-outbound
// API described below.
package streamxmlsec

import (
	"context"
	"log/slog"

	"github.com/streamxmlsec/engine/pkg/algorithm"
	"github.com/streamxmlsec/engine/pkg/enckey"
	"github.com/streamxmlsec/engine/pkg/inbound"
	"github.com/streamxmlsec/engine/pkg/outbound"
	"github.com/streamxmlsec/engine/pkg/provider"
	"github.com/streamxmlsec/engine/pkg/resolver"
	"github.com/streamxmlsec/engine/pkg/secevent"
	"github.com/streamxmlsec/engine/pkg/securr"
	"github.com/streamxmlsec/engine/pkg/stream"
	"github.com/streamxmlsec/engine/pkg/token"
	"github.com/streamxmlsec/engine/pkg/trust"
)

// InboundConfig configures begin-inbound, per §6.
type InboundConfig struct {
	VerifySignature bool
	Decrypt         bool

	MaxReferencesPerManifest int
	MaxTransformsPerReference int
	AllowManifests           bool
	AllowExternalReferences  bool

	Resolvers *resolver.Registry
	Bus       *secevent.Bus
	Registry  *algorithm.Registry

	// WrappingTokens resolves the token named by an EncryptedKey's
	// KeyInfo, required when Decrypt is true.
	WrappingTokens enckeyResolver

	// VerificationTokens resolves the token used to check a Signature's
	// own SignatureValue against its embedded certificate chain. When
	// VerifySignature is true and this is left nil, it defaults to
	// inbound.DefaultVerificationTokenResolver, which trusts the leaf
	// certificate carried in the Signature's own KeyInfo.
	VerificationTokens inbound.VerificationTokenResolver

	// TrustValidator, if set, additionally validates the Signature's
	// embedded certificate chain (expiry, trust anchors, and optionally
	// revocation) before the verification-outcome event is published.
	// Left nil, only the cryptographic SignatureValue check gates the
	// outcome.
	TrustValidator trust.Validator
}

type enckeyResolver interface {
	ResolveWrappingToken(keyInfoCorrelationID string) (*token.Token, error)
}

// Reader is the handle returned by BeginInbound: repeated calls to Next
// pull one event at a time from the underlying source, through the
// configured verification/decryption handlers.
type Reader struct {
	chain *inbound.Chain
}

// BeginInbound wires an inbound processor chain over source according to
// cfg, returning a Reader whose Next method drives the pipeline.
func BeginInbound(ctx context.Context, cfg InboundConfig, source inbound.Source) (*Reader, error) {
	if cfg.Registry == nil {
		cfg.Registry = algorithm.Default()
	}
	doc := stream.NewDocumentContext("")
	chain := inbound.NewChain(source, doc)

	if cfg.VerifySignature {
		limits := inbound.Limits{
			MaxReferencesPerManifest:  cfg.MaxReferencesPerManifest,
			MaxTransformsPerReference: cfg.MaxTransformsPerReference,
			AllowManifests:            cfg.AllowManifests,
			AllowExternalReferences:   cfg.AllowExternalReferences,
		}
		tokens := cfg.VerificationTokens
		if tokens == nil {
			tokens = inbound.DefaultVerificationTokenResolver{}
		}
		handler := inbound.NewSignatureVerifyHandler(ctx, limits, cfg.Resolvers, cfg.Bus, tokens, cfg.TrustValidator)
		chain.AppendInitialHandler(handler)
	}

	if cfg.Decrypt {
		if cfg.WrappingTokens == nil {
			return nil, securr.New(securr.InvalidConfiguration, "decrypt requires a WrappingTokens resolver")
		}
		enc := enckey.NewRegistry(cfg.WrappingTokens, cfg.Bus, cfg.Registry, slog.Default())
		chain.AppendInitialHandler(inbound.NewDecryptionHandler(provider.NewRegistry(), enc))
	}

	return &Reader{chain: chain}, nil
}

// Next pulls the next event through the configured pipeline. ok is
// false once the underlying source is exhausted, at which point the
// caller must call Finish to run end-of-document checks.
func (r *Reader) Next() (stream.Event, bool, error) {
	return r.chain.NextEvent()
}

// Finish runs every handler's end-of-document checks (e.g. the
// unprocessed-reference check) once the source is exhausted.
func (r *Reader) Finish() error {
	return r.chain.Finish()
}

// OutboundConfig configures begin-outbound, per §6. At most one of
// Sign/Encrypt needs to be set; both may be combined.
type OutboundConfig struct {
	Sign    *SignAction
	Encrypt *EncryptAction

	Registry *algorithm.Registry
	Bus      *secevent.Bus
}

// SignAction names the element to sign and the token/parameters to use,
// defaulting unset algorithm fields per the §6 SIGN table.
type SignAction struct {
	TargetElement stream.QName
	Token         *token.Token
	KeyFamily     string // "RSA", "DSA", or "" (symmetric/HMAC)
	Config        outbound.SignerConfig
}

// EncryptAction names the element to encrypt and the transport token,
// defaulting unset algorithm fields per the §6 ENCRYPT table.
type EncryptAction struct {
	TargetElement   stream.QName
	TransportToken  *token.Token
	Config          outbound.EncryptorConfig
}

// Writer is the handle returned by BeginOutbound: the caller calls Write
// for every event in the document, in order, then Close.
type Writer struct {
	chain *outbound.Chain
}

// BeginOutbound wires an outbound processor chain writing to sink
// according to cfg.
func BeginOutbound(ctx context.Context, cfg OutboundConfig, sink outbound.Sink) (*Writer, error) {
	if cfg.Registry == nil {
		cfg.Registry = algorithm.Default()
	}
	doc := stream.NewDocumentContext("")
	chain := outbound.NewChain(sink, doc)

	if cfg.Sign != nil {
		signCfg := outbound.NewSignerConfig(cfg.Sign.Config, cfg.Sign.KeyFamily)
		handler, err := outbound.NewSignatureHandler(ctx, signCfg, cfg.Sign.Token, cfg.Bus, doc, cfg.Sign.TargetElement)
		if err != nil {
			return nil, err
		}
		chain.Push(handler)
	}
	if cfg.Encrypt != nil {
		encCfg := outbound.NewEncryptorConfig(cfg.Encrypt.Config)
		handler := outbound.NewEncryptionHandler(encCfg, cfg.Encrypt.TransportToken, cfg.Registry, cfg.Encrypt.TargetElement)
		chain.Push(handler)
	}

	return &Writer{chain: chain}, nil
}

// Write pushes one event through the configured pipeline to the sink.
func (w *Writer) Write(e stream.Event) error {
	return w.chain.Write(e)
}

// Close flushes buffered handler state (e.g. emitting a finished
// Signature element) and finalizes the sink.
func (w *Writer) Close() error {
	return w.chain.Close()
}
