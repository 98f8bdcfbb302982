package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
)

// SignatureVerifier checks Ed25519 request signatures on the admin surface:
// the /trades endpoints expose trade receipts (payment hashes, escrow
// addresses), so they are gated behind proof that the caller holds the node
// operator's own Solana key rather than a shared bearer secret.
type SignatureVerifier struct{}

// NewSignatureVerifier creates a new signature verifier instance.
func NewSignatureVerifier() *SignatureVerifier {
	return &SignatureVerifier{}
}

// VerificationHeaders contains the signature verification headers from a request.
type VerificationHeaders struct {
	Signature string // X-Signature header (base64-encoded signature)
	Message   string // X-Message header (plain text message that was signed)
	Signer    string // X-Signer header (base58-encoded public key)
}

// ExtractHeaders extracts signature verification headers from an HTTP request.
func (sv *SignatureVerifier) ExtractHeaders(r *http.Request) (VerificationHeaders, error) {
	headers := VerificationHeaders{
		Signature: r.Header.Get("X-Signature"),
		Message:   r.Header.Get("X-Message"),
		Signer:    r.Header.Get("X-Signer"),
	}

	if headers.Signature == "" || headers.Message == "" || headers.Signer == "" {
		return headers, fmt.Errorf("signature required: include X-Signature, X-Message, and X-Signer headers")
	}

	return headers, nil
}

// VerifySignature verifies that the signature is valid for the given message and signer.
func (sv *SignatureVerifier) VerifySignature(headers VerificationHeaders) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(headers.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	signerPubKey, err := solana.PublicKeyFromBase58(headers.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer address: %w", err)
	}

	signature := solana.SignatureFromBytes(signatureBytes)
	if !signature.Verify(signerPubKey, []byte(headers.Message)) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// VerifyOperatorRequest verifies a request is signed by the node operator's
// wallet. expectedSigner is the operator's base58 address; expectedMessage is
// the fixed message format the client must have signed.
func (sv *SignatureVerifier) VerifyOperatorRequest(r *http.Request, expectedSigner string, expectedMessage string) error {
	headers, err := sv.ExtractHeaders(r)
	if err != nil {
		return err
	}

	// Verify the cryptographic signature before comparing identities, so a
	// probe with a guessed signer never learns which address is expected.
	if err := sv.VerifySignature(headers); err != nil {
		return err
	}

	if headers.Signer != expectedSigner {
		return fmt.Errorf("unauthorized: only the node operator wallet can access this endpoint")
	}

	if headers.Message != expectedMessage {
		return fmt.Errorf("invalid message format (expected: %s)", expectedMessage)
	}

	return nil
}
