// Package solanaescrow implements the ports.SolanaRPC capability against a
// real Solana RPC endpoint and the swap escrow program: create/claim/refund
// escrow transactions, escrow account readback, and associated token account
// provisioning. Escrow accounts are PDAs derived from the LN payment hash,
// which is what binds the Lightning leg to the Solana leg.
package solanaescrow

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/satswap/swapcore/internal/config"
	swaperrors "github.com/satswap/swapcore/internal/errors"
	"github.com/satswap/swapcore/pkg/swap/ports"
)

// escrowSeed is the PDA seed prefix the escrow program uses; the payment
// hash is the second seed, so one escrow account exists per payment hash.
var escrowSeed = []byte("escrow")

// Instruction discriminators of the escrow program.
const (
	ixCreateEscrow uint8 = 0
	ixClaimEscrow  uint8 = 1
	ixRefundEscrow uint8 = 2
)

// On-chain escrow account status values.
const (
	escrowStatusActive   uint8 = 0
	escrowStatusClaimed  uint8 = 1
	escrowStatusRefunded uint8 = 2
)

const (
	confirmPollInterval = 500 * time.Millisecond
	confirmTimeout      = 60 * time.Second
)

// Client talks to the escrow program through a shared *rpc.Client. It is
// safe to share across trades; every transaction captures a fresh blockhash
// before signing.
type Client struct {
	rpc           *rpc.Client
	programID     solana.PublicKey
	commitment    rpc.CommitmentType
	skipPreflight bool
}

// NewClient builds a Client from the Solana section of the node config.
func NewClient(cfg config.SolanaConfig) (*Client, error) {
	programID, err := solana.PublicKeyFromBase58(cfg.EscrowProgram)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: parse escrow program id: %w", err)
	}
	commitment := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "processed":
		commitment = rpc.CommitmentProcessed
	case "finalized", "finalised":
		commitment = rpc.CommitmentFinalized
	}
	return &Client{
		rpc:           rpc.New(cfg.RPCURL),
		programID:     programID,
		commitment:    commitment,
		skipPreflight: cfg.SkipPreflight,
	}, nil
}

// ProgramID returns the escrow program this client is bound to.
func (c *Client) ProgramID() solana.PublicKey {
	return c.programID
}

// Close releases the underlying RPC connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// escrowPDA derives the escrow account address for a payment hash.
func (c *Client) escrowPDA(paymentHash [32]byte) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{escrowSeed, paymentHash[:]}, c.programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("solanaescrow: derive escrow pda: %w", err)
	}
	return addr, bump, nil
}

// BuildAndSubmitCreateEscrow locks `amount` of `mint` in a fresh escrow
// account claimable by `recipient` with the payment preimage, refundable to
// `refund` after refundAfterUnix.
func (c *Client) BuildAndSubmitCreateEscrow(ctx context.Context, payer solana.PrivateKey, payerTokenAccount, mint solana.PublicKey,
	paymentHash [32]byte, recipient, refund solana.PublicKey, refundAfterUnix int64, amount *big.Int) (ports.CreateEscrowResult, error) {

	if amount == nil || amount.Sign() <= 0 || !amount.IsUint64() {
		return ports.CreateEscrowResult{}, swaperrors.New(swaperrors.ErrCodeRPCError, "escrow amount must be a positive u64")
	}

	escrowPDA, _, err := c.escrowPDA(paymentHash)
	if err != nil {
		return ports.CreateEscrowResult{}, err
	}
	vaultATA, _, err := solana.FindAssociatedTokenAddress(escrowPDA, mint)
	if err != nil {
		return ports.CreateEscrowResult{}, fmt.Errorf("solanaescrow: derive vault ata: %w", err)
	}

	var data bytes.Buffer
	enc := bin.NewBorshEncoder(&data)
	if err := enc.WriteUint8(ixCreateEscrow); err != nil {
		return ports.CreateEscrowResult{}, err
	}
	if err := enc.WriteBytes(paymentHash[:], false); err != nil {
		return ports.CreateEscrowResult{}, err
	}
	if err := enc.WriteUint64(amount.Uint64(), binary.LittleEndian); err != nil {
		return ports.CreateEscrowResult{}, err
	}
	if err := enc.WriteInt64(refundAfterUnix, binary.LittleEndian); err != nil {
		return ports.CreateEscrowResult{}, err
	}

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(payer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(payerTokenAccount).WRITE(),
		solana.Meta(escrowPDA).WRITE(),
		solana.Meta(vaultATA).WRITE(),
		solana.Meta(mint),
		solana.Meta(recipient),
		solana.Meta(refund),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data.Bytes())

	sig, err := c.signAndSubmit(ctx, payer, ix)
	if err != nil {
		return ports.CreateEscrowResult{}, err
	}
	return ports.CreateEscrowResult{TxSig: sig, EscrowPDA: escrowPDA, VaultATA: vaultATA}, nil
}

// BuildAndSubmitClaimEscrow releases the escrowed tokens to the recipient by
// presenting the LN payment preimage.
func (c *Client) BuildAndSubmitClaimEscrow(ctx context.Context, recipient solana.PrivateKey, recipientTokenAccount, mint solana.PublicKey,
	paymentHash [32]byte, preimage [32]byte) (solana.Signature, error) {

	escrowPDA, _, err := c.escrowPDA(paymentHash)
	if err != nil {
		return solana.Signature{}, err
	}
	vaultATA, _, err := solana.FindAssociatedTokenAddress(escrowPDA, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("solanaescrow: derive vault ata: %w", err)
	}

	var data bytes.Buffer
	enc := bin.NewBorshEncoder(&data)
	if err := enc.WriteUint8(ixClaimEscrow); err != nil {
		return solana.Signature{}, err
	}
	if err := enc.WriteBytes(preimage[:], false); err != nil {
		return solana.Signature{}, err
	}

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(recipient.PublicKey()).WRITE().SIGNER(),
		solana.Meta(recipientTokenAccount).WRITE(),
		solana.Meta(escrowPDA).WRITE(),
		solana.Meta(vaultATA).WRITE(),
		solana.Meta(mint),
		solana.Meta(solana.TokenProgramID),
	}, data.Bytes())

	return c.signAndSubmit(ctx, recipient, ix)
}

// BuildAndSubmitRefundEscrow returns the escrowed tokens to the refund
// wallet after the refund deadline has elapsed.
func (c *Client) BuildAndSubmitRefundEscrow(ctx context.Context, refund solana.PrivateKey, refundTokenAccount, mint solana.PublicKey,
	paymentHash [32]byte) (solana.Signature, error) {

	escrowPDA, _, err := c.escrowPDA(paymentHash)
	if err != nil {
		return solana.Signature{}, err
	}
	vaultATA, _, err := solana.FindAssociatedTokenAddress(escrowPDA, mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("solanaescrow: derive vault ata: %w", err)
	}

	var data bytes.Buffer
	enc := bin.NewBorshEncoder(&data)
	if err := enc.WriteUint8(ixRefundEscrow); err != nil {
		return solana.Signature{}, err
	}

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(refund.PublicKey()).WRITE().SIGNER(),
		solana.Meta(refundTokenAccount).WRITE(),
		solana.Meta(escrowPDA).WRITE(),
		solana.Meta(vaultATA).WRITE(),
		solana.Meta(mint),
		solana.Meta(solana.TokenProgramID),
	}, data.Bytes())

	return c.signAndSubmit(ctx, refund, ix)
}

// GetEscrowState reads back the escrow account at the payment hash's PDA.
// A missing account returns (nil, nil): absence is an answer, not an error
// (the pre-pay verifier treats it as "do not pay").
func (c *Client) GetEscrowState(ctx context.Context, paymentHash [32]byte) (*ports.EscrowState, error) {
	escrowPDA, _, err := c.escrowPDA(paymentHash)
	if err != nil {
		return nil, err
	}

	res, err := c.rpc.GetAccountInfoWithOpts(ctx, escrowPDA, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err == rpc.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: get escrow account", err)
	}
	if res == nil || res.Value == nil {
		return nil, nil
	}
	return decodeEscrowAccount(res.Value.Data.GetBinary())
}

// decodeEscrowAccount parses the escrow program's borsh account layout.
func decodeEscrowAccount(data []byte) (*ports.EscrowState, error) {
	dec := bin.NewBorshDecoder(data)

	status, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode status: %w", err)
	}
	hashBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode payment_hash: %w", err)
	}
	recipient, err := readPubkey(dec)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode recipient: %w", err)
	}
	refund, err := readPubkey(dec)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode refund: %w", err)
	}
	mint, err := readPubkey(dec)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode mint: %w", err)
	}
	amount, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode amount: %w", err)
	}
	refundAfter, err := dec.ReadInt64(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode refund_after: %w", err)
	}
	vault, err := readPubkey(dec)
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode vault: %w", err)
	}
	bump, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("solanaescrow: decode bump: %w", err)
	}

	state := &ports.EscrowState{
		Recipient:       recipient,
		Refund:          refund,
		Mint:            mint,
		Amount:          new(big.Int).SetUint64(amount),
		RefundAfterUnix: refundAfter,
		Vault:           vault,
		Bump:            bump,
	}
	copy(state.PaymentHash[:], hashBytes)
	switch status {
	case escrowStatusActive:
		state.Status = ports.EscrowStatusActive
	case escrowStatusClaimed:
		state.Status = ports.EscrowStatusClaimed
	case escrowStatusRefunded:
		state.Status = ports.EscrowStatusRefunded
	default:
		return nil, fmt.Errorf("solanaescrow: unknown escrow status %d", status)
	}
	return state, nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// EnsureAssociatedTokenAccount creates owner's ATA for mint if it does not
// exist yet and returns its address either way.
func (c *Client) EnsureAssociatedTokenAccount(ctx context.Context, payer solana.PrivateKey, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("solanaescrow: derive ata: %w", err)
	}

	_, err = c.rpc.GetAccountInfoWithOpts(ctx, ata, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err == nil {
		return ata, nil
	}
	if err != rpc.ErrNotFound {
		return solana.PublicKey{}, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: get ata", err)
	}

	ix := associatedtokenaccount.NewCreateInstruction(payer.PublicKey(), owner, mint).Build()
	if _, err := c.signAndSubmit(ctx, payer, ix); err != nil {
		return solana.PublicKey{}, err
	}
	return ata, nil
}

// signAndSubmit captures a fresh blockhash, signs with the single provided
// key, submits, and waits for the configured commitment level.
func (c *Client) signAndSubmit(ctx context.Context, signer solana.PrivateKey, ix solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: get latest blockhash", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: build transaction", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: sign transaction", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       c.skipPreflight,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, swaperrors.Wrap(swaperrors.ErrCodeRPCError, "solanaescrow: send transaction", err)
	}

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// awaitConfirmation polls signature status until the configured commitment
// is reached or the confirmation window elapses.
func (c *Client) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return swaperrors.Wrap(swaperrors.ErrCodeTimeout, "solanaescrow: confirmation timed out", ctx.Err())
		case <-ticker.C:
			res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil || res == nil || len(res.Value) == 0 || res.Value[0] == nil {
				continue
			}
			status := res.Value[0]
			if status.Err != nil {
				return swaperrors.New(swaperrors.ErrCodeRPCError, fmt.Sprintf("solanaescrow: transaction failed: %v", status.Err))
			}
			if confirmed(status.ConfirmationStatus, c.commitment) {
				return nil
			}
		}
	}
}

func confirmed(got rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return got == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return got == rpc.ConfirmationStatusProcessed || got == rpc.ConfirmationStatusConfirmed || got == rpc.ConfirmationStatusFinalized
	default:
		return got == rpc.ConfirmationStatusConfirmed || got == rpc.ConfirmationStatusFinalized
	}
}
