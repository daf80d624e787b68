package sendquote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/agicash/walletcore/internal/derivation"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
)

// CashuEngine implements the Send Quote Engine's Cashu side (§4.3): reserve
// input proofs, drive a melt quote to pay an external Lightning invoice
// through the user's own mint, and split any overselected proofs into an
// exact-amount-spent/change pair via a NUT-03 swap. Grounded in shape on
// receivequote.CashuEngine, mirrored for the opposite (spend) direction.
type CashuEngine struct {
	repo   CashuRepository
	mint   MintClient
	ledger Ledger
	keys   KeyProvider
}

func NewCashuEngine(repo CashuRepository, mint MintClient, ledger Ledger, keys KeyProvider) *CashuEngine {
	return &CashuEngine{repo: repo, mint: mint, ledger: ledger, keys: keys}
}

// Create reserves proofs covering amount+estimatedFee (Ledger: UNSPENT->
// PENDING_SPEND tagged to the new record's id) and persists an UNPAID quote.
func (e *CashuEngine) Create(ctx context.Context, userID, accountID, transactionID string, amount, estimatedFee money.Money, paymentRequest string) (CashuSendQuote, error) {
	id := uuid.New().String()

	_, total, err := e.ledger.Reserve(ctx, accountID, amount.Add(estimatedFee), 0, "send_quote", id)
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: reserve proofs: %w", err)
	}

	invoice, err := zpay32.Decode(paymentRequest, &chaincfg.MainNetParams)
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: decode payment request: %w", err)
	}
	if invoice.PaymentHash == nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: payment request has no payment hash")
	}
	paymentHash := hex.EncodeToString(invoice.PaymentHash[:])

	record := NewCashuSendQuote(id, userID, accountID, transactionID, amount, estimatedFee, total, paymentRequest, paymentHash)
	created, err := e.repo.CreateCashuSendQuote(ctx, record)
	if err != nil {
		return CashuSendQuote{}, err
	}
	return created, nil
}

// MarkAsPending drives the melt quote, splits the reserved proofs into the
// exact amount to spend plus change (if they did not already sum exactly),
// and persists the external melt-quote id plus both output-amount vectors,
// transitioning UNPAID->PENDING.
func (e *CashuEngine) MarkAsPending(ctx context.Context, q CashuSendQuote, keysetID string, mintPublicKeys map[uint64]*secp256k1.PublicKey) (CashuSendQuote, error) {
	if q.State != StateUnpaid {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}

	meltQuote, err := e.mint.CreateMeltQuote(ctx, nut05.PostMeltQuoteBolt11Request{
		Request: q.PaymentRequest,
		Unit:    string(q.Amount.Unit),
	})
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: create melt quote: %w", err)
	}

	actualFee := money.New(int64(meltQuote.FeeReserve), q.Amount.Currency, q.Amount.Unit)
	changeTotal := q.ReservedTotal.Sub(q.Amount).Sub(actualFee)

	sendAmounts := cashu.AmountSplit(uint64(q.Amount.Amount + actualFee.Amount))
	var changeAmounts []uint64
	if !changeTotal.IsZero() {
		changeAmounts = cashu.AmountSplit(uint64(changeTotal.Amount))
	}

	counterStart, err := e.ledger.AllocateKeysetRange(ctx, q.AccountID, keysetID, uint32(len(sendAmounts)+len(changeAmounts)))
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: allocate keyset range: %w", err)
	}

	sendProofsJSON := ""
	if len(changeAmounts) > 0 {
		var err error
		sendProofsJSON, err = e.swapOverselectedProofs(ctx, q, keysetID, counterStart, sendAmounts, changeAmounts, mintPublicKeys)
		if err != nil {
			return CashuSendQuote{}, err
		}
	}

	return e.repo.MarkCashuSendQuoteAsPending(ctx, q.ID, q.Version, meltQuote.Quote, keysetID, counterStart, sendAmounts, changeAmounts, sendProofsJSON)
}

// swapOverselectedProofs splits reserved proofs that sum to more than
// amount+fee into an exact-spend subset and a change subset, inserting the
// change proofs as UNSPENT immediately (once the swap succeeds they are
// legitimately new bearer money independent of whether the melt itself later
// completes) and returning the exact-spend subset JSON-encoded for later
// presentation as melt Inputs.
func (e *CashuEngine) swapOverselectedProofs(ctx context.Context, q CashuSendQuote, keysetID string, counterStart uint32, sendAmounts, changeAmounts []uint64, mintPublicKeys map[uint64]*secp256k1.PublicKey) (string, error) {
	master, err := e.keys.MasterKey(ctx, q.UserID)
	if err != nil {
		return "", fmt.Errorf("sendquote: master key: %w", err)
	}
	keysetPath, err := derivation.KeysetPath(master, keysetID)
	if err != nil {
		return "", fmt.Errorf("sendquote: keyset path: %w", err)
	}

	allAmounts := append(append([]uint64{}, sendAmounts...), changeAmounts...)
	outputs, err := derivation.DeriveOutputs(keysetPath, keysetID, counterStart, allAmounts)
	if err != nil {
		return "", fmt.Errorf("sendquote: derive swap outputs: %w", err)
	}

	messages := make(cashu.BlindedMessages, len(outputs))
	for i, o := range outputs {
		messages[i] = o.Message
	}

	reserved, err := e.ledger.ProofsForSpendingRecord(ctx, "send_quote", q.ID)
	if err != nil {
		return "", fmt.Errorf("sendquote: load reserved proofs: %w", err)
	}
	reservedProofs := make(cashu.Proofs, len(reserved))
	for i, p := range reserved {
		reservedProofs[i] = toWireProof(p)
	}

	resp, err := e.mint.Swap(ctx, nut03.PostSwapRequest{Inputs: reservedProofs, Outputs: messages})
	if err != nil {
		return "", fmt.Errorf("sendquote: swap: %w", err)
	}

	sendOutputs := outputs[:len(sendAmounts)]
	sendSignatures := resp.Signatures[:len(sendAmounts)]
	sendProofs, err := unblindProofs(q.AccountID, q.UserID, keysetID, q.Amount.Currency, q.Amount.Unit, sendOutputs, sendSignatures, mintPublicKeys)
	if err != nil {
		return "", err
	}
	sendWireProofs := make(cashu.Proofs, len(sendProofs))
	for i, p := range sendProofs {
		sendWireProofs[i] = toWireProof(p)
	}
	sendProofsJSON, err := json.Marshal(sendWireProofs)
	if err != nil {
		return "", fmt.Errorf("sendquote: encode send proofs: %w", err)
	}

	changeOutputs := outputs[len(sendAmounts):]
	changeSignatures := resp.Signatures[len(sendAmounts):]
	changeProofs, err := unblindProofs(q.AccountID, q.UserID, keysetID, q.Amount.Currency, q.Amount.Unit, changeOutputs, changeSignatures, mintPublicKeys)
	if err != nil {
		return "", err
	}
	if err := e.ledger.InsertProofs(ctx, changeProofs); err != nil {
		return "", fmt.Errorf("sendquote: insert change proofs: %w", err)
	}
	return string(sendProofsJSON), nil
}

// meltInputs resolves the exact proofs to present to the mint as melt
// Inputs: the post-swap exact-amount subset if MarkAsPending ran a swap, or
// the originally reserved proofs when they already summed exactly.
func (e *CashuEngine) meltInputs(ctx context.Context, q CashuSendQuote) (cashu.Proofs, error) {
	if q.SendProofsJSON != "" {
		var proofs cashu.Proofs
		if err := json.Unmarshal([]byte(q.SendProofsJSON), &proofs); err != nil {
			return nil, fmt.Errorf("sendquote: decode send proofs: %w", err)
		}
		return proofs, nil
	}
	reserved, err := e.ledger.ProofsForSpendingRecord(ctx, "send_quote", q.ID)
	if err != nil {
		return nil, fmt.Errorf("sendquote: load reserved proofs: %w", err)
	}
	proofs := make(cashu.Proofs, len(reserved))
	for i, p := range reserved {
		proofs[i] = toWireProof(p)
	}
	return proofs, nil
}

func toWireProof(p ledger.CashuProof) cashu.Proof {
	return cashu.Proof{Amount: uint64(p.Amount.Amount), Id: p.KeysetID, Secret: p.Secret, C: p.UnblindedSignature}
}

// unblindProofs recovers proofs from blinded signatures, identical in shape
// to receivequote's helper of the same name (duplicated rather than shared
// since the two packages' Output/signature pairing never co-occur in one
// call).
func unblindProofs(accountID, userID, keysetID string, currency money.Currency, unit money.Unit, outputs []derivation.Output, signatures cashu.BlindedSignatures, mintPublicKeys map[uint64]*secp256k1.PublicKey) ([]ledger.CashuProof, error) {
	if len(outputs) != len(signatures) {
		return nil, fmt.Errorf("sendquote: %d outputs but %d signatures", len(outputs), len(signatures))
	}
	proofs := make([]ledger.CashuProof, len(outputs))
	for i, o := range outputs {
		sig := signatures[i]
		mintPubkey, ok := mintPublicKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("sendquote: no mint public key for amount %d", sig.Amount)
		}
		unblinded, err := derivation.Unblind(sig.C_, o.BlindingFactor, mintPubkey)
		if err != nil {
			return nil, fmt.Errorf("sendquote: unblind output %d: %w", i, err)
		}
		proofs[i] = ledger.CashuProof{
			ID:                 uuid.New().String(),
			AccountID:          accountID,
			UserID:             userID,
			KeysetID:           keysetID,
			Amount:             money.New(int64(sig.Amount), currency, unit),
			Secret:             o.Secret,
			UnblindedSignature: unblinded,
			State:              ledger.ProofUnspent,
		}
	}
	return proofs, nil
}

// Complete consumes the reserved input proofs (->SPENT) and records fee and
// paymentPreimage, transitioning PENDING->COMPLETED. The quote update and the
// proof consumption are two separate calls, not one storage transaction: the
// quote is updated first, then the proofs are consumed.
func (e *CashuEngine) Complete(ctx context.Context, q CashuSendQuote, fee money.Money, paymentPreimage string) (CashuSendQuote, error) {
	if q.State != StatePending {
		return CashuSendQuote{}, fmt.Errorf("sendquote: %w: quote %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}
	completed, err := e.repo.CompleteCashuSendQuote(ctx, q.ID, q.Version, fee, paymentPreimage)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if err := e.ledger.Consume(ctx, "send_quote", q.ID); err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: consume reserved proofs: %w", err)
	}
	return completed, nil
}

// ProcessPayment polls/drives the outstanding melt, moving the quote to
// COMPLETED once paid or to FAILED (marking AmbiguousOutcome when the melt
// had reached external PENDING first) on an unrecoverable failure.
func (e *CashuEngine) ProcessPayment(ctx context.Context, q CashuSendQuote) (CashuSendQuote, error) {
	if q.State != StatePending || q.MeltQuoteID == nil {
		return q, nil
	}

	status, err := e.mint.CheckMeltQuote(ctx, *q.MeltQuoteID)
	if err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: check melt quote: %w", err)
	}
	if status.Paid {
		fee := money.New(int64(status.FeeReserve), q.Amount.Currency, q.Amount.Unit)
		return e.Complete(ctx, q, fee, "")
	}

	meltInputs, err := e.meltInputs(ctx, q)
	if err != nil {
		return CashuSendQuote{}, err
	}

	resp, err := e.mint.MeltProofsIdempotent(ctx, nut05.PostMeltBolt11Request{Quote: *q.MeltQuoteID, Inputs: meltInputs})
	if err != nil {
		var mintErr *domainerr.MintOperationError
		if errors.As(err, &mintErr) && mintErr.Code == domainerr.MintErrMeltQuotePending {
			return q, nil
		}
		return e.Fail(ctx, q, fmt.Sprintf("melt failed: %v", err), true)
	}
	if resp.Paid {
		fee := money.New(int64(resp.FeeReserve), q.Amount.Currency, q.Amount.Unit)
		return e.Complete(ctx, q, fee, "")
	}
	return q, nil
}

// Expire releases reserved proofs (->UNSPENT) and moves UNPAID->EXPIRED.
func (e *CashuEngine) Expire(ctx context.Context, id string, expectedVersion int64) (CashuSendQuote, error) {
	q, err := e.repo.ExpireCashuSendQuote(ctx, id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if err := e.ledger.Release(ctx, "send_quote", id); err != nil {
		return CashuSendQuote{}, fmt.Errorf("sendquote: release reserved proofs: %w", err)
	}
	return q, nil
}

// Fail transitions UNPAID/PENDING->FAILED. If ambiguousOutcome is true
// (reached external PENDING before failing) the reserved inputs are left
// PENDING_SPEND per §7; otherwise they are released back to UNSPENT.
func (e *CashuEngine) Fail(ctx context.Context, q CashuSendQuote, reason string, ambiguousOutcome bool) (CashuSendQuote, error) {
	updated, err := e.repo.FailCashuSendQuote(ctx, q.ID, q.Version, reason, ambiguousOutcome)
	if err != nil {
		return CashuSendQuote{}, err
	}
	if !ambiguousOutcome {
		if err := e.ledger.Release(ctx, "send_quote", q.ID); err != nil {
			return CashuSendQuote{}, fmt.Errorf("sendquote: release reserved proofs: %w", err)
		}
	}
	return updated, nil
}
