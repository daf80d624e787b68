package tokenswap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"
	gonutscrypto "github.com/elnosh/gonuts/crypto"
	"github.com/google/uuid"

	"github.com/agicash/walletcore/internal/derivation"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
)

// Engine implements the Token Swap Engine (§4.4). Grounded in shape on
// receivequote.CashuEngine's mint-then-restore-fallback idiom
// (mintProofsOrRestore), adapted here to a NUT-03 swap of holder-presented
// proofs instead of a NUT-04 mint-quote redemption.
type Engine struct {
	repo   Repository
	mint   MintClient
	ledger Ledger
	keys   KeyProvider
}

func NewEngine(repo Repository, mint MintClient, ledger Ledger, keys KeyProvider) *Engine {
	return &Engine{repo: repo, mint: mint, ledger: ledger, keys: keys}
}

// TokenHash implements §4.4's "tokenHash = SHA-256(encoded-token)".
func TokenHash(encodedToken string) string {
	sum := sha256.Sum256([]byte(encodedToken))
	return hex.EncodeToString(sum[:])
}

// GetByTokenHash looks up a swap by the hash of the token it redeems, used
// by internal/sendswap.Engine.Reverse to make its refund idempotent: retrying
// Reverse must find the token swap a prior attempt already created instead of
// hitting domainerr.ErrTokenAlreadyClaimed on a second Create.
func (e *Engine) GetByTokenHash(ctx context.Context, tokenHash string) (CashuTokenSwap, error) {
	return e.repo.GetCashuTokenSwapByTokenHash(ctx, tokenHash)
}

// Create reserves a deterministic output range sized to the net amount
// (inputAmount-fee) and persists a PENDING record keyed by the presented
// token's hash. A duplicate tokenHash surfaces as
// domainerr.ErrTokenAlreadyClaimed from the repository (§4.4 "Uniqueness
// violation -> TokenAlreadyClaimed").
func (e *Engine) Create(ctx context.Context, userID, accountID, transactionID, encodedToken, tokenProofsJSON, keysetID string, inputAmount, fee money.Money) (CashuTokenSwap, error) {
	net := inputAmount.Sub(fee)
	outputAmounts := cashu.AmountSplit(uint64(net.Amount))

	counterStart, err := e.ledger.AllocateKeysetRange(ctx, accountID, keysetID, uint32(len(outputAmounts)))
	if err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: allocate keyset range: %w", err)
	}

	record := NewCashuTokenSwap(uuid.New().String(), userID, accountID, transactionID, TokenHash(encodedToken), tokenProofsJSON, keysetID, counterStart, outputAmounts, inputAmount, fee)
	return e.repo.CreateCashuTokenSwap(ctx, record)
}

// CompleteSwap derives this record's output set, presents the holder's
// proofs to the mint via NUT-03 swap, and inserts the resulting proofs,
// transitioning PENDING->COMPLETED. On OUTPUT_ALREADY_SIGNED or
// TOKEN_ALREADY_SPENT (or their pre-0.16.5 fuzzy-matched equivalents) it
// falls back to NUT-9 Restore over the same deterministic range and keeps
// only the subset the mint reports as signed (§4.4).
func (e *Engine) CompleteSwap(ctx context.Context, q CashuTokenSwap, mintPublicKeys map[uint64]*secp256k1.PublicKey) (CashuTokenSwap, error) {
	if q.State != StatePending {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: %w: swap %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}

	master, err := e.keys.MasterKey(ctx, q.UserID)
	if err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: master key: %w", err)
	}
	keysetPath, err := derivation.KeysetPath(master, q.KeysetID)
	if err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: keyset path: %w", err)
	}

	outputs, err := derivation.DeriveOutputs(keysetPath, q.KeysetID, q.KeysetCounter, q.OutputAmounts)
	if err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: derive outputs: %w", err)
	}
	messages := make(cashu.BlindedMessages, len(outputs))
	for i, o := range outputs {
		messages[i] = o.Message
	}

	var inputs cashu.Proofs
	if err := json.Unmarshal([]byte(q.TokenProofsJSON), &inputs); err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: decode token proofs: %w", err)
	}

	matchedOutputs, signatures, err := e.swapOrRestore(ctx, inputs, outputs, messages)
	if err != nil {
		return CashuTokenSwap{}, err
	}

	proofs, err := unblindProofs(q.AccountID, q.UserID, q.KeysetID, q.InputAmount.Currency, q.InputAmount.Unit, matchedOutputs, signatures, mintPublicKeys)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	if err := e.ledger.InsertProofs(ctx, proofs); err != nil {
		return CashuTokenSwap{}, fmt.Errorf("tokenswap: insert proofs: %w", err)
	}

	return e.repo.CompleteCashuTokenSwap(ctx, q.ID, q.Version)
}

// swapOrRestore calls Swap; on a restorable mint error it calls Restore over
// the full output set and narrows outputs down to whichever ones the mint
// reports signatures for, matched by blinded-point (B_) rather than index,
// since Restore may return a strict subset in any order.
func (e *Engine) swapOrRestore(ctx context.Context, inputs cashu.Proofs, outputs []derivation.Output, messages cashu.BlindedMessages) ([]derivation.Output, cashu.BlindedSignatures, error) {
	resp, err := e.mint.Swap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: messages})
	if err == nil {
		return outputs, resp.Signatures, nil
	}

	var mintErr *domainerr.MintOperationError
	if !errors.As(err, &mintErr) || !mintErr.IsRestorable() {
		return nil, nil, fmt.Errorf("tokenswap: swap: %w", err)
	}

	restoreResp, restoreErr := e.mint.Restore(ctx, nut09.PostRestoreRequest{Outputs: messages})
	if restoreErr != nil {
		return nil, nil, fmt.Errorf("tokenswap: restore after %v: %w", err, restoreErr)
	}

	byB_ := make(map[string]derivation.Output, len(outputs))
	for _, o := range outputs {
		byB_[o.Message.B_] = o
	}
	matched := make([]derivation.Output, 0, len(restoreResp.Outputs))
	for _, m := range restoreResp.Outputs {
		o, ok := byB_[m.B_]
		if !ok {
			return nil, nil, fmt.Errorf("tokenswap: restore returned an output this swap never derived")
		}
		matched = append(matched, o)
	}
	return matched, restoreResp.Signatures, nil
}

// Fail transitions PENDING->FAILED, terminal (§4.4: no inputs were ever
// reserved from this account's own ledger, so there is nothing to release).
func (e *Engine) Fail(ctx context.Context, id string, expectedVersion int64, reason string) (CashuTokenSwap, error) {
	return e.repo.FailCashuTokenSwap(ctx, id, expectedVersion, reason)
}

func unblindProofs(accountID, userID, keysetID string, currency money.Currency, unit money.Unit, outputs []derivation.Output, signatures cashu.BlindedSignatures, mintPublicKeys map[uint64]*secp256k1.PublicKey) ([]ledger.CashuProof, error) {
	if len(outputs) != len(signatures) {
		return nil, fmt.Errorf("tokenswap: %d outputs but %d signatures", len(outputs), len(signatures))
	}
	proofs := make([]ledger.CashuProof, len(outputs))
	for i, o := range outputs {
		sig := signatures[i]
		mintPubkey, ok := mintPublicKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("tokenswap: no mint public key for amount %d", sig.Amount)
		}
		unblinded, err := derivation.Unblind(sig.C_, o.BlindingFactor, mintPubkey)
		if err != nil {
			return nil, fmt.Errorf("tokenswap: unblind output %d: %w", i, err)
		}

		secretBytes, err := hex.DecodeString(o.Secret)
		if err != nil {
			return nil, fmt.Errorf("tokenswap: secret not hex: %w", err)
		}
		publicKeyY := gonutscrypto.HashToCurve(secretBytes)

		proofs[i] = ledger.CashuProof{
			ID:                 uuid.New().String(),
			AccountID:          accountID,
			UserID:             userID,
			KeysetID:           keysetID,
			Amount:             money.New(int64(sig.Amount), currency, unit),
			Secret:             o.Secret,
			UnblindedSignature: unblinded,
			PublicKeyY:         hex.EncodeToString(publicKeyY.SerializeCompressed()),
			State:              ledger.ProofUnspent,
		}
	}
	return proofs, nil
}
