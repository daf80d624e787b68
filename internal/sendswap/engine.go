package sendswap

import (
	"context"
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
	"github.com/agicash/walletcore/internal/tokenswap"
)

// Engine implements the Send Swap Engine (§4.5). Grounded in shape on
// sendquote.CashuEngine's reserve/swap/settle lifecycle, with the restore
// fallback shared in pattern with internal/tokenswap.
type Engine struct {
	repo         Repository
	mint         MintClient
	ledger       Ledger
	keys         KeyProvider
	tokenSwapper TokenSwapper
}

func NewEngine(repo Repository, mint MintClient, ledger Ledger, keys KeyProvider, tokenSwapper TokenSwapper) *Engine {
	return &Engine{repo: repo, mint: mint, ledger: ledger, keys: keys, tokenSwapper: tokenSwapper}
}

// Create reserves input proofs covering amount. If the reserved total equals
// amount exactly, it settles straight to PENDING with the reserved proofs
// themselves as the send set (§4.5 "Exact path"). Otherwise it derives two
// deterministic output ranges (send, change) and persists a DRAFT awaiting
// SwapForProofsToSend (§4.5 "Draft path").
func (e *Engine) Create(ctx context.Context, userID, accountID, transactionID string, amount money.Money, keysetID string) (CashuSendSwap, error) {
	id := uuid.New().String()

	selected, total, err := e.ledger.Reserve(ctx, accountID, amount, 0, "send_swap", id)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: reserve: %w", err)
	}
	record := NewCashuSendSwap(id, userID, accountID, transactionID, amount, total, keysetID)

	if total.Amount == amount.Amount {
		wire := toWireProofs(selected)
		encoded, err := json.Marshal(wire)
		if err != nil {
			return CashuSendSwap{}, fmt.Errorf("sendswap: encode proofs-to-send: %w", err)
		}
		tokenHash := tokenswap.TokenHash(string(encoded))
		record.State = StatePending
		record.ProofsToSendJSON = string(encoded)
		record.TokenHash = &tokenHash
		return e.repo.CreateCashuSendSwap(ctx, record)
	}

	change := total.Sub(amount)
	sendAmounts := cashu.AmountSplit(uint64(amount.Amount))
	changeAmounts := cashu.AmountSplit(uint64(change.Amount))
	counterStart, err := e.ledger.AllocateKeysetRange(ctx, accountID, keysetID, uint32(len(sendAmounts)+len(changeAmounts)))
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: allocate keyset range: %w", err)
	}
	record.KeysetCounter = counterStart
	record.SendAmounts = sendAmounts
	record.ChangeAmounts = changeAmounts
	return e.repo.CreateCashuSendSwap(ctx, record)
}

// SwapForProofsToSend presents the proofs reserved at create time to the
// mint's NUT-03 swap, partitions the settled outputs into send/change by
// matching each output's secret back to the send-range it was derived in,
// and transitions DRAFT->PENDING (§4.5).
func (e *Engine) SwapForProofsToSend(ctx context.Context, q CashuSendSwap, mintPublicKeys map[uint64]*secp256k1.PublicKey) (CashuSendSwap, error) {
	if q.State != StateDraft {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}

	master, err := e.keys.MasterKey(ctx, q.UserID)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: master key: %w", err)
	}
	keysetPath, err := derivation.KeysetPath(master, q.KeysetID)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: keyset path: %w", err)
	}

	allAmounts := make([]uint64, 0, len(q.SendAmounts)+len(q.ChangeAmounts))
	allAmounts = append(allAmounts, q.SendAmounts...)
	allAmounts = append(allAmounts, q.ChangeAmounts...)
	outputs, err := derivation.DeriveOutputs(keysetPath, q.KeysetID, q.KeysetCounter, allAmounts)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: derive outputs: %w", err)
	}
	messages := make(cashu.BlindedMessages, len(outputs))
	for i, o := range outputs {
		messages[i] = o.Message
	}

	sendSecrets := make(map[string]bool, len(q.SendAmounts))
	for _, o := range outputs[:len(q.SendAmounts)] {
		sendSecrets[o.Secret] = true
	}

	reserved, err := e.ledger.ProofsForSpendingRecord(ctx, "send_swap", q.ID)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: load reserved proofs: %w", err)
	}
	inputs := toWireProofs(reserved)

	matchedOutputs, signatures, err := e.swapOrRestore(ctx, inputs, outputs, messages)
	if err != nil {
		return CashuSendSwap{}, err
	}

	var sendOutputs, changeOutputs []derivation.Output
	var sendSigs, changeSigs cashu.BlindedSignatures
	for i, o := range matchedOutputs {
		if sendSecrets[o.Secret] {
			sendOutputs = append(sendOutputs, o)
			sendSigs = append(sendSigs, signatures[i])
		} else {
			changeOutputs = append(changeOutputs, o)
			changeSigs = append(changeSigs, signatures[i])
		}
	}

	sendProofs, err := unblindProofs(q.AccountID, q.UserID, q.KeysetID, q.Amount.Currency, q.Amount.Unit, sendOutputs, sendSigs, mintPublicKeys)
	if err != nil {
		return CashuSendSwap{}, err
	}
	for i := range sendProofs {
		sendProofs[i].SpendingSendSwapID = &q.ID
	}
	changeProofs, err := unblindProofs(q.AccountID, q.UserID, q.KeysetID, q.Amount.Currency, q.Amount.Unit, changeOutputs, changeSigs, mintPublicKeys)
	if err != nil {
		return CashuSendSwap{}, err
	}

	// The reserved inputs are consumed before the proofs-to-send are
	// inserted under the same tag, so Consume sees only the inputs.
	if err := e.ledger.Consume(ctx, "send_swap", q.ID); err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: consume reserved inputs: %w", err)
	}
	all := make([]ledger.CashuProof, 0, len(sendProofs)+len(changeProofs))
	all = append(all, sendProofs...)
	all = append(all, changeProofs...)
	if err := e.ledger.InsertProofs(ctx, all); err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: insert settled proofs: %w", err)
	}

	sendWire := toWireProofs(sendProofs)
	encoded, err := json.Marshal(sendWire)
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: encode proofs-to-send: %w", err)
	}
	tokenHash := tokenswap.TokenHash(string(encoded))
	return e.repo.MarkCashuSendSwapAsPending(ctx, q.ID, q.Version, tokenHash, string(encoded))
}

// swapOrRestore mirrors tokenswap.Engine.swapOrRestore: on a restorable mint
// error it falls back to NUT-9 Restore over the full output set and narrows
// down to whichever outputs the mint reports, matched by blinded point (B_)
// since Restore may return any subset in any order.
func (e *Engine) swapOrRestore(ctx context.Context, inputs cashu.Proofs, outputs []derivation.Output, messages cashu.BlindedMessages) ([]derivation.Output, cashu.BlindedSignatures, error) {
	resp, err := e.mint.Swap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: messages})
	if err == nil {
		return outputs, resp.Signatures, nil
	}

	var mintErr *domainerr.MintOperationError
	if !errors.As(err, &mintErr) || !mintErr.IsRestorable() {
		return nil, nil, fmt.Errorf("sendswap: swap: %w", err)
	}

	restoreResp, restoreErr := e.mint.Restore(ctx, nut09.PostRestoreRequest{Outputs: messages})
	if restoreErr != nil {
		return nil, nil, fmt.Errorf("sendswap: restore after %v: %w", err, restoreErr)
	}

	byB_ := make(map[string]derivation.Output, len(outputs))
	for _, o := range outputs {
		byB_[o.Message.B_] = o
	}
	matched := make([]derivation.Output, 0, len(restoreResp.Outputs))
	for _, m := range restoreResp.Outputs {
		o, ok := byB_[m.B_]
		if !ok {
			return nil, nil, fmt.Errorf("sendswap: restore returned an output this swap never derived")
		}
		matched = append(matched, o)
	}
	return matched, restoreResp.Signatures, nil
}

// Complete transitions PENDING->COMPLETED when the recipient's claim is
// observed, matched by tokenHash against their own internal/tokenswap
// record (§4.5), and finalizes the tagged proofs-to-send as SPENT.
func (e *Engine) Complete(ctx context.Context, q CashuSendSwap) (CashuSendSwap, error) {
	if q.State != StatePending {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}
	completed, err := e.repo.CompleteCashuSendSwap(ctx, q.ID, q.Version)
	if err != nil {
		return CashuSendSwap{}, err
	}
	consume := e.ledger.ConsumeTagged
	if len(q.SendAmounts) == 0 {
		// Exact path: the proofs-to-send are the reserved inputs, still PENDING_SPEND.
		consume = e.ledger.Consume
	}
	if err := consume(ctx, "send_swap", q.ID); err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: consume tagged proofs-to-send: %w", err)
	}
	return completed, nil
}

// Reverse reclaims an unclaimed PENDING swap's proofs-to-send back into the
// sender's own account by redeeming them as an ordinary incoming token
// through internal/tokenswap (§4.5: "reusing the receive-side engine for the
// refund"). Looking the token swap up by hash before creating one makes a
// retried Reverse idempotent.
func (e *Engine) Reverse(ctx context.Context, q CashuSendSwap, mintPublicKeys map[uint64]*secp256k1.PublicKey) (CashuSendSwap, error) {
	if q.State != StatePending {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}
	if q.TokenHash == nil || q.ProofsToSendJSON == "" {
		return CashuSendSwap{}, fmt.Errorf("sendswap: swap %s has no settled proofs-to-send to reverse", q.ID)
	}

	refund, err := e.tokenSwapper.GetByTokenHash(ctx, *q.TokenHash)
	if errors.Is(err, domainerr.ErrRecordNotFound) {
		zeroFee := money.New(0, q.Amount.Currency, q.Amount.Unit)
		refund, err = e.tokenSwapper.Create(ctx, q.UserID, q.AccountID, q.TransactionID, q.ProofsToSendJSON, q.ProofsToSendJSON, q.KeysetID, q.Amount, zeroFee)
	}
	if err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: reclaim token swap: %w", err)
	}
	if refund.State == tokenswap.StatePending {
		refund, err = e.tokenSwapper.CompleteSwap(ctx, refund, mintPublicKeys)
		if err != nil {
			return CashuSendSwap{}, fmt.Errorf("sendswap: complete reclaim swap: %w", err)
		}
	}
	if refund.State != tokenswap.StateCompleted {
		return CashuSendSwap{}, fmt.Errorf("sendswap: reclaim swap %s settled as %s, not completed", refund.ID, refund.State)
	}

	consume := e.ledger.ConsumeTagged
	if len(q.SendAmounts) == 0 {
		// Exact path: the proofs-to-send are the reserved inputs, still PENDING_SPEND.
		consume = e.ledger.Consume
	}
	if err := consume(ctx, "send_swap", q.ID); err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: consume tagged proofs-to-send: %w", err)
	}
	return e.repo.ReverseCashuSendSwap(ctx, q.ID, q.Version)
}

// Fail transitions DRAFT->FAILED, releasing the input proofs reserved at
// create time back to UNSPENT (§4.5: a draft never settled anything).
func (e *Engine) Fail(ctx context.Context, id string, expectedVersion int64, reason string) (CashuSendSwap, error) {
	if err := e.ledger.Release(ctx, "send_swap", id); err != nil {
		return CashuSendSwap{}, fmt.Errorf("sendswap: release reserved proofs: %w", err)
	}
	return e.repo.FailCashuSendSwap(ctx, id, expectedVersion, reason)
}

func toWireProofs(proofs []ledger.CashuProof) cashu.Proofs {
	out := make(cashu.Proofs, len(proofs))
	for i, p := range proofs {
		out[i] = cashu.Proof{
			Amount: uint64(p.Amount.Amount),
			Id:     p.KeysetID,
			Secret: p.Secret,
			C:      p.UnblindedSignature,
		}
	}
	return out
}

func unblindProofs(accountID, userID, keysetID string, currency money.Currency, unit money.Unit, outputs []derivation.Output, signatures cashu.BlindedSignatures, mintPublicKeys map[uint64]*secp256k1.PublicKey) ([]ledger.CashuProof, error) {
	if len(outputs) != len(signatures) {
		return nil, fmt.Errorf("sendswap: %d outputs but %d signatures", len(outputs), len(signatures))
	}
	proofs := make([]ledger.CashuProof, len(outputs))
	for i, o := range outputs {
		sig := signatures[i]
		mintPubkey, ok := mintPublicKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("sendswap: no mint public key for amount %d", sig.Amount)
		}
		unblinded, err := derivation.Unblind(sig.C_, o.BlindingFactor, mintPubkey)
		if err != nil {
			return nil, fmt.Errorf("sendswap: unblind output %d: %w", i, err)
		}

		secretBytes, err := hex.DecodeString(o.Secret)
		if err != nil {
			return nil, fmt.Errorf("sendswap: secret not hex: %w", err)
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
