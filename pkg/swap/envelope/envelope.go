// Package envelope implements the versioned, authenticated message wrapper
// described in spec §3/§4.2: every envelope carries a canonical-encoding
// signature over an Ed25519-equivalent scheme, backed here by
// solana-go's Ed25519 keypairs (hex-encoded rather than base58-encoded, to
// keep the wire protocol independent of any one chain's address format).
package envelope

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/codec"
)

// UnsignedEnvelope is the part of an envelope that gets signed: the
// canonical encoding of exactly these fields (in this shape) is invariant
// E-1's signing pre-image.
type UnsignedEnvelope struct {
	V       int             `json:"v"`
	Kind    string          `json:"kind"`
	TradeID string          `json:"trade_id"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	Body    json.RawMessage `json:"body"`
}

// Envelope is a fully signed, wire-ready message.
type Envelope struct {
	UnsignedEnvelope
	Signer string `json:"signer"` // 32-byte pubkey, lowercase hex
	Sig    string `json:"sig"`    // 64-byte signature, lowercase hex
}

// ProtocolVersion is the only envelope version the core accepts (spec E-1).
const ProtocolVersion = 1

// Signer is the externalized signing capability (spec §4.2): the core
// never touches a private key directly, only this interface, so the key
// may be held by a separate process.
type Signer interface {
	Sign(payload []byte) (signerHex, sigHex string, err error)
}

// KeypairSigner implements Signer over a solana-go Ed25519 keypair held
// in-process.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps a solana-go private key as a Signer.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// KeypairSignerFromHex loads a KeypairSigner from a hex-encoded Ed25519
// private key seed+pubkey pair, the format solana-go's PrivateKey uses
// internally (64 raw bytes).
func KeypairSignerFromHex(privateKeyHex string) (*KeypairSigner, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidEnvelope, "decode identity private key hex", err)
	}
	if len(raw) != 64 {
		return nil, errors.New(errors.ErrCodeInvalidEnvelope, fmt.Sprintf("identity private key must be 64 bytes, got %d", len(raw)))
	}
	return &KeypairSigner{key: solana.PrivateKey(raw)}, nil
}

// PublicKeyHex returns this signer's public key, lowercase hex.
func (s *KeypairSigner) PublicKeyHex() string {
	return hex.EncodeToString(s.key.PublicKey().Bytes())
}

// Sign implements Signer.
func (s *KeypairSigner) Sign(payload []byte) (signerHex, sigHex string, err error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return "", "", errors.Wrap(errors.ErrCodeInvalidEnvelope, "sign envelope payload", err)
	}
	return hex.EncodeToString(s.key.PublicKey().Bytes()), hex.EncodeToString(sig[:]), nil
}

// Decode parses a wire-format envelope, rejecting unknown top-level fields
// per spec §6's "conservative parsing" requirement. Body-level shape and
// value-range checks belong to package schema; Decode only establishes that
// the outer envelope has exactly the fields §3 defines.
func Decode(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, errors.Wrap(errors.ErrCodeInvalidEnvelope, "decode envelope", err)
	}
	return env, nil
}

// Sign produces a fully signed Envelope from an UnsignedEnvelope using the
// given Signer capability.
func Sign(signer Signer, unsigned UnsignedEnvelope) (Envelope, error) {
	payload, err := codec.Canonicalize(unsigned)
	if err != nil {
		return Envelope{}, errors.Wrap(errors.ErrCodeInvalidEnvelope, "canonicalize unsigned envelope", err)
	}
	signerHex, sigHex, err := signer.Sign(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{UnsignedEnvelope: unsigned, Signer: signerHex, Sig: sigHex}, nil
}

// Verify recomputes the canonical encoding of env's unsigned fields and
// checks env.Sig against env.Signer. Hex decoding errors are distinguished
// from cryptographic verification failure, both surfaced as
// ErrCodeBadSignature per spec §4.2 (the validator only needs to know the
// envelope is untrustworthy, not which way it failed).
func Verify(env Envelope) error {
	pubBytes, err := hex.DecodeString(env.Signer)
	if err != nil || len(pubBytes) != 32 {
		return errors.New(errors.ErrCodeBadSignature, "signer is not a 32-byte hex pubkey")
	}
	sigBytes, err := hex.DecodeString(env.Sig)
	if err != nil || len(sigBytes) != 64 {
		return errors.New(errors.ErrCodeBadSignature, "sig is not a 64-byte hex signature")
	}

	payload, err := codec.Canonicalize(env.UnsignedEnvelope)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBadSignature, "canonicalize envelope for verification", err)
	}

	pub := solana.PublicKeyFromBytes(pubBytes)
	sig := solana.SignatureFromBytes(sigBytes)
	if !sig.Verify(pub, payload) {
		return errors.New(errors.ErrCodeBadSignature, "signature verification failed")
	}
	return nil
}
