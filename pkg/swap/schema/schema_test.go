package schema

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/envelope"
)

func mustHex(n int) string {
	return hex.EncodeToString(make([]byte, n))
}

func envWithBody(t *testing.T, kind string, body any) envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return envelope.Envelope{
		UnsignedEnvelope: envelope.UnsignedEnvelope{
			V:       envelope.ProtocolVersion,
			Kind:    kind,
			TradeID: "trade-1",
			TS:      1000,
			Nonce:   "n1",
			Body:    raw,
		},
		Signer: mustHex(32),
		Sig:    mustHex(64),
	}
}

func TestValidateRFQAccepts(t *testing.T) {
	env := envWithBody(t, string(KindRFQ), RFQBody{
		Pair:       "BTC_LN/USDT_SOL",
		Direction:  "BTC_LN->USDT_SOL",
		BTCSats:    50000,
		USDTAmount: "100000000",
	})
	if err := Validate(env); err != nil {
		t.Fatalf("expected valid RFQ, got %v", err)
	}
}

func TestValidateRFQRejectsNonPositiveSats(t *testing.T) {
	env := envWithBody(t, string(KindRFQ), RFQBody{
		Pair:       "BTC_LN/USDT_SOL",
		Direction:  "BTC_LN->USDT_SOL",
		BTCSats:    0,
		USDTAmount: "100",
	})
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope, got %v", err)
	}
}

func TestValidateRejectsWrongVersion(t *testing.T) {
	env := envWithBody(t, string(KindCancel), CancelBody{})
	env.V = 2
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope for bad version, got %v", err)
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	env := envWithBody(t, "swap.unknown", struct{}{})
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope for unknown kind, got %v", err)
	}
}

func TestValidateRejectsUnknownBodyField(t *testing.T) {
	raw := []byte(`{"pair":"BTC_LN/USDT_SOL","direction":"BTC_LN->USDT_SOL","btc_sats":50000,"usdt_amount":"100","surprise":true}`)
	env := envelope.Envelope{
		UnsignedEnvelope: envelope.UnsignedEnvelope{
			V: envelope.ProtocolVersion, Kind: string(KindRFQ), TradeID: "t1", TS: 1, Nonce: "n", Body: raw,
		},
		Signer: mustHex(32), Sig: mustHex(64),
	}
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope for unknown body field, got %v", err)
	}
}

func TestValidateTermsAccepts(t *testing.T) {
	mint := "11111111111111111111111111111111"
	env := envWithBody(t, string(KindTerms), TermsBody{
		BTCSats:            50000,
		USDTAmount:         "100000000",
		USDTDecimals:       6,
		SolMint:            mint,
		SolRecipient:       mint,
		SolRefund:          mint,
		SolRefundAfterUnix: 9999999999,
		LNReceiverPeer:     mustHex(32),
		LNPayerPeer:        mustHex(32),
	})
	if err := Validate(env); err != nil {
		t.Fatalf("expected valid TERMS, got %v", err)
	}
}

func TestValidateTermsRejectsBadBase58(t *testing.T) {
	env := envWithBody(t, string(KindTerms), TermsBody{
		BTCSats:            50000,
		USDTAmount:         "100000000",
		USDTDecimals:       6,
		SolMint:            "not-base58!!!",
		SolRecipient:       "11111111111111111111111111111111",
		SolRefund:          "11111111111111111111111111111111",
		SolRefundAfterUnix: 9999999999,
		LNReceiverPeer:     mustHex(32),
		LNPayerPeer:        mustHex(32),
	})
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope for bad mint, got %v", err)
	}
}

func TestValidateAcceptRequires32ByteHashHex(t *testing.T) {
	env := envWithBody(t, string(KindAccept), AcceptBody{TermsHash: "abc"})
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope, got %v", err)
	}
}

func TestValidateStatusRejectsUnknownState(t *testing.T) {
	env := envWithBody(t, string(KindStatus), StatusBody{State: "bogus"})
	err := Validate(env)
	if swaperrors.CodeOf(err) != swaperrors.ErrCodeInvalidEnvelope {
		t.Fatalf("expected invalid_envelope, got %v", err)
	}
}

func TestValidateCancelAcceptsNoReason(t *testing.T) {
	env := envWithBody(t, string(KindCancel), CancelBody{})
	if err := Validate(env); err != nil {
		t.Fatalf("expected valid CANCEL, got %v", err)
	}
}
