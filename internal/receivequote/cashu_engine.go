package receivequote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"
	gonutscrypto "github.com/elnosh/gonuts/crypto"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/agicash/walletcore/internal/derivation"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
)

// lockingKeysetID is the pseudo keyset id the account-level counter is
// drawn under when minting a locking key for GetLightningQuote, kept
// distinct from any real mint keyset id so the two counters never collide
// in Account.Cashu.KeysetCounters.
const lockingKeysetID = "__locking__"

// CashuEngine implements the Receive Quote Engine's Cashu side (§4.2):
// getLightningQuote/createReceiveQuote/processPayment/completeReceive/
// expire/fail for CashuReceiveQuote, including the CASHU_TOKEN cross-mint
// bridge. Grounded on internal/ledger.Ledger's composition-over-repository
// shape, generalized from one atomic counter-advance call to the
// multi-step quote->pay->mint lifecycle this record tracks.
type CashuEngine struct {
	repo   CashuRepository
	mint   MintClient
	ledger Ledger
	keys   KeyProvider
}

func NewCashuEngine(repo CashuRepository, mint MintClient, ledger Ledger, keys KeyProvider) *CashuEngine {
	return &CashuEngine{repo: repo, mint: mint, ledger: ledger, keys: keys}
}

// LightningQuote is what GetLightningQuote hands back to the caller
// assembling a CreateReceiveQuote request; it is not itself persisted.
type LightningQuote struct {
	QuoteID               string
	PaymentRequest        string
	PaymentHash           string
	ExpiresAt             time.Time
	LockingDerivationPath string
}

// GetLightningQuote asks the mint for a quote for amount, recording which
// locking key this quote nominally corresponds to (§4.2: "a quote locked to
// a key derived along lockingDerivationPath = BASE/m/index', where index is
// drawn from a user-scoped monotonic counter"). The vendored mint wire
// contract (nut04.PostMintQuoteBolt11Request) predates NUT-20's pubkey-lock
// field, so the key itself is not sent over the wire; it is still derived
// and its path recorded so a future NUT-20-capable mint client can add
// wire-level enforcement without a schema change.
func (e *CashuEngine) GetLightningQuote(ctx context.Context, userID, accountID string, amount money.Money, description *string) (LightningQuote, error) {
	index, err := e.ledger.AllocateKeysetRange(ctx, accountID, lockingKeysetID, 1)
	if err != nil {
		return LightningQuote{}, fmt.Errorf("receivequote: allocate locking index: %w", err)
	}

	master, err := e.keys.MasterKey(ctx, userID)
	if err != nil {
		return LightningQuote{}, fmt.Errorf("receivequote: master key: %w", err)
	}
	if _, err := derivation.LockingPath(master, index); err != nil {
		return LightningQuote{}, fmt.Errorf("receivequote: locking path: %w", err)
	}
	lockingPath := fmt.Sprintf("m/129372'/0'/%d'", index)

	resp, err := e.mint.CreateMintQuote(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: uint64(amount.Amount),
		Unit:   string(amount.Unit),
	})
	if err != nil {
		return LightningQuote{}, fmt.Errorf("receivequote: create mint quote: %w", err)
	}

	invoice, err := zpay32.Decode(resp.Request, &chaincfg.MainNetParams)
	if err != nil {
		return LightningQuote{}, fmt.Errorf("receivequote: decode mint quote invoice: %w", err)
	}
	if invoice.PaymentHash == nil {
		return LightningQuote{}, fmt.Errorf("receivequote: mint quote invoice has no payment hash")
	}
	paymentHash := hex.EncodeToString(invoice.PaymentHash[:])

	return LightningQuote{
		QuoteID:               resp.Quote,
		PaymentRequest:        resp.Request,
		PaymentHash:           paymentHash,
		ExpiresAt:             time.Unix(resp.Expiry, 0).UTC(),
		LockingDerivationPath: lockingPath,
	}, nil
}

// CreateReceiveQuote persists an UNPAID record from a LightningQuote already
// obtained via GetLightningQuote. bridge is nil for a plain same-mint
// receive, non-nil for a CASHU_TOKEN cross-mint bridge.
func (e *CashuEngine) CreateReceiveQuote(ctx context.Context, userID, accountID, transactionID string, amount money.Money, description *string, quote LightningQuote, mintingFee money.Money, bridge *TokenReceiveData) (CashuReceiveQuote, error) {
	id := uuid.New().String()
	var record CashuReceiveQuote
	if bridge != nil {
		record = NewCashuTokenBridgeQuote(id, userID, accountID, transactionID, amount, description, quote.ExpiresAt, quote.PaymentRequest, quote.PaymentHash, quote.QuoteID, quote.LockingDerivationPath, mintingFee, *bridge)
	} else {
		record = NewCashuLightningQuote(id, userID, accountID, transactionID, amount, description, quote.ExpiresAt, quote.PaymentRequest, quote.PaymentHash, quote.QuoteID, quote.LockingDerivationPath, mintingFee)
	}
	return e.repo.CreateCashuReceiveQuote(ctx, record)
}

// MarkMeltInitiated idempotently flips the CASHU_TOKEN bridge's meltInitiated
// latch before the first MeltProofsIdempotent call, so a crash between the
// latch flip and the melt call is recognisable as "melt may have happened"
// rather than silently retried as "melt never started" (§4.2).
func (e *CashuEngine) MarkMeltInitiated(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	if _, err := e.repo.MarkCashuReceiveQuoteCashuTokenMeltInitiated(ctx, id, expectedVersion); err != nil {
		return CashuReceiveQuote{}, err
	}
	return e.repo.GetCashuReceiveQuote(ctx, id)
}

// ProcessPayment transitions UNPAID->PAID once the destination mint reports
// the quote paid (plain receive) or, for a CASHU_TOKEN bridge, once this
// quote's source-mint melt has been driven to completion. It allocates the
// keyset-counter range CompleteReceive will later mint into, so the range
// is fixed the instant payment is observed and Restore can always recover
// it deterministically even if CompleteReceive never runs.
func (e *CashuEngine) ProcessPayment(ctx context.Context, q CashuReceiveQuote, keysetID string) (CashuReceiveQuote, error) {
	if q.State != StateUnpaid {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}

	if q.Type == ReceiveTypeCashuToken {
		paid, err := e.driveBridgeMelt(ctx, q)
		if err != nil {
			return CashuReceiveQuote{}, err
		}
		if !paid {
			return q, nil
		}
	} else {
		resp, err := e.mint.CheckMintQuote(ctx, q.QuoteID)
		if err != nil {
			return CashuReceiveQuote{}, fmt.Errorf("receivequote: check mint quote: %w", err)
		}
		if !resp.Paid {
			return q, nil
		}
	}

	outputAmounts := cashu.AmountSplit(uint64(q.Amount.Amount))
	firstIndex, err := e.ledger.AllocateKeysetRange(ctx, q.AccountID, keysetID, uint32(len(outputAmounts)))
	if err != nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: allocate keyset range: %w", err)
	}

	return e.repo.ProcessCashuReceiveQuotePayment(ctx, q.ID, q.Version, keysetID, firstIndex, outputAmounts)
}

// driveBridgeMelt issues (or re-issues, idempotently) the source-mint melt
// for a CASHU_TOKEN bridge and reports whether it has settled. The vendored
// NUT-05 wire types carry only a Paid bool (no explicit PENDING state), so
// "not yet paid" and "pending" are indistinguishable here; ProcessPayment
// is re-invoked by the background processor's poll loop (§4.7) until Paid
// flips true or the mint reports an unrecoverable error.
func (e *CashuEngine) driveBridgeMelt(ctx context.Context, q CashuReceiveQuote) (bool, error) {
	bridge := q.TokenReceiveData
	if bridge == nil {
		return false, fmt.Errorf("receivequote: quote %s is CASHU_TOKEN but has no bridge data", q.ID)
	}

	status, err := e.mint.CheckMeltQuote(ctx, bridge.MeltQuoteID)
	if err != nil {
		return false, fmt.Errorf("receivequote: check melt quote: %w", err)
	}
	if status.Paid {
		return true, nil
	}

	var inputs cashu.Proofs
	if err := json.Unmarshal([]byte(bridge.TokenProofsJSON), &inputs); err != nil {
		return false, fmt.Errorf("receivequote: decode bridge token proofs: %w", err)
	}

	resp, err := e.mint.MeltProofsIdempotent(ctx, nut05.PostMeltBolt11Request{Quote: bridge.MeltQuoteID, Inputs: inputs})
	if err != nil {
		var mintErr *domainerr.MintOperationError
		if errors.As(err, &mintErr) && mintErr.Code == domainerr.MintErrMeltQuoteAlreadyPaid {
			return true, nil
		}
		return false, fmt.Errorf("receivequote: melt proofs: %w", err)
	}
	return resp.Paid, nil
}

// CompleteReceive derives this record's output set, requests signatures
// from the mint, and inserts the resulting proofs, transitioning
// PAID->COMPLETED. On a restorable mint error (already-signed/
// already-issued — the record's own prior attempt got through but the
// response was lost) it falls back to NUT-9 Restore over the same
// deterministic range instead of treating the error as fatal (§4.2,
// §7: "NUT-9 restore recovers proofs from any interrupted mint/swap").
func (e *CashuEngine) CompleteReceive(ctx context.Context, q CashuReceiveQuote, mintPublicKeys map[uint64]*secp256k1.PublicKey) (CashuReceiveQuote, error) {
	if q.State != StatePaid {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: %w: quote %s is %s", domainerr.ErrInvalidState, q.ID, q.State)
	}
	if q.KeysetID == nil || q.KeysetCounter == nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: quote %s is PAID without an allocated keyset range", q.ID)
	}

	master, err := e.keys.MasterKey(ctx, q.UserID)
	if err != nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: master key: %w", err)
	}
	keysetPath, err := derivation.KeysetPath(master, *q.KeysetID)
	if err != nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: keyset path: %w", err)
	}

	outputs, err := derivation.DeriveOutputs(keysetPath, *q.KeysetID, *q.KeysetCounter, q.OutputAmounts)
	if err != nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: derive outputs: %w", err)
	}

	messages := make(cashu.BlindedMessages, len(outputs))
	for i, o := range outputs {
		messages[i] = o.Message
	}

	signatures, err := e.mintProofsOrRestore(ctx, q.QuoteID, messages)
	if err != nil {
		return CashuReceiveQuote{}, err
	}

	proofs, err := unblindProofs(q.AccountID, q.UserID, *q.KeysetID, q.Amount.Currency, q.Amount.Unit, outputs, signatures, mintPublicKeys)
	if err != nil {
		return CashuReceiveQuote{}, err
	}

	if err := e.ledger.InsertProofs(ctx, proofs); err != nil {
		return CashuReceiveQuote{}, fmt.Errorf("receivequote: insert proofs: %w", err)
	}

	return e.repo.CompleteCashuReceiveQuote(ctx, q.ID, q.Version)
}

// mintProofsOrRestore calls MintProofs, falling back to Restore over the
// same outputs when the mint reports the quote/outputs were already
// consumed by a prior attempt this process (or a predecessor) did not see
// complete.
func (e *CashuEngine) mintProofsOrRestore(ctx context.Context, quoteID string, messages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	resp, err := e.mint.MintProofs(ctx, nut04.PostMintBolt11Request{Quote: quoteID, Outputs: messages})
	if err == nil {
		return resp.Signatures, nil
	}

	var mintErr *domainerr.MintOperationError
	if !errors.As(err, &mintErr) || !mintErr.IsRestorable() {
		return nil, fmt.Errorf("receivequote: mint proofs: %w", err)
	}

	restoreResp, restoreErr := e.mint.Restore(ctx, nut09.PostRestoreRequest{Outputs: messages})
	if restoreErr != nil {
		return nil, fmt.Errorf("receivequote: restore after %v: %w", err, restoreErr)
	}
	return restoreResp.Signatures, nil
}

// Expire transitions an UNPAID quote to EXPIRED once past its expiry with
// no payment observed.
func (e *CashuEngine) Expire(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	return e.repo.ExpireCashuReceiveQuote(ctx, id, expectedVersion)
}

// Fail transitions an UNPAID or PAID quote to FAILED, recording reason.
// From PAID this is only reachable via an unrecoverable mint error in
// CompleteReceive (one that IsRestorable reports false for).
func (e *CashuEngine) Fail(ctx context.Context, id string, expectedVersion int64, reason string) (CashuReceiveQuote, error) {
	return e.repo.FailCashuReceiveQuote(ctx, id, expectedVersion, reason)
}

func unblindProofs(accountID, userID, keysetID string, currency money.Currency, unit money.Unit, outputs []derivation.Output, signatures cashu.BlindedSignatures, mintPublicKeys map[uint64]*secp256k1.PublicKey) ([]ledger.CashuProof, error) {
	if len(outputs) != len(signatures) {
		return nil, fmt.Errorf("receivequote: %d outputs but %d signatures", len(outputs), len(signatures))
	}

	proofs := make([]ledger.CashuProof, len(outputs))
	for i, o := range outputs {
		sig := signatures[i]
		mintPubkey, ok := mintPublicKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("receivequote: no mint public key for amount %d", sig.Amount)
		}

		unblinded, err := derivation.Unblind(sig.C_, o.BlindingFactor, mintPubkey)
		if err != nil {
			return nil, fmt.Errorf("receivequote: unblind output %d: %w", i, err)
		}

		secretBytes, err := hex.DecodeString(o.Secret)
		if err != nil {
			return nil, fmt.Errorf("receivequote: secret not hex: %w", err)
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
