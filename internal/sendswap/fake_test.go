package sendswap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
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

// fakeRepo is an in-memory Repository, mirroring internal/tokenswap's fakeRepo.
type fakeRepo struct {
	mu    sync.Mutex
	swaps map[string]CashuSendSwap
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{swaps: map[string]CashuSendSwap{}}
}

func (f *fakeRepo) CreateCashuSendSwap(ctx context.Context, q CashuSendSwap) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.Version = 1
	f.swaps[q.ID] = q
	return q, nil
}

func (f *fakeRepo) GetCashuSendSwap(ctx context.Context, id string) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.swaps[id]
	if !ok {
		return CashuSendSwap{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeRepo) GetCashuSendSwapByTokenHash(ctx context.Context, tokenHash string) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.swaps {
		if q.TokenHash != nil && *q.TokenHash == tokenHash {
			return q, nil
		}
	}
	return CashuSendSwap{}, domainerr.ErrRecordNotFound
}

func (f *fakeRepo) lock(id string, expectedVersion int64) (CashuSendSwap, error) {
	q, ok := f.swaps[id]
	if !ok {
		return CashuSendSwap{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return CashuSendSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeRepo) MarkCashuSendSwapAsPending(ctx context.Context, id string, expectedVersion int64, tokenHash, proofsToSendJSON string) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	if q.State != StateDraft {
		return CashuSendSwap{}, fmt.Errorf("sendswap: %w: swap %s is %s", domainerr.ErrInvalidState, id, q.State)
	}
	q.State = StatePending
	q.TokenHash = &tokenHash
	q.ProofsToSendJSON = proofsToSendJSON
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) CompleteCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.State = StateCompleted
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) FailCashuSendSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) ReverseCashuSendSwap(ctx context.Context, id string, expectedVersion int64) (CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendSwap{}, err
	}
	q.State = StateReversed
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) ListNonTerminalCashuSendSwaps(ctx context.Context) ([]CashuSendSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuSendSwap
	for _, q := range f.swaps {
		if q.State == StateDraft || q.State == StatePending {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeLedger is an in-memory Ledger satisfying this package's wider Ledger
// interface (reserve/release/consume, not just insert), seeded directly with
// spendable proofs by each test.
type fakeLedger struct {
	mu       sync.Mutex
	proofs   map[string]ledger.CashuProof
	counters map[string]uint32
	inserted []ledger.CashuProof
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{proofs: map[string]ledger.CashuProof{}, counters: map[string]uint32{}}
}

// seed adds spendable UNSPENT proofs of the given amounts to accountID.
func (f *fakeLedger) seed(accountID string, amounts []int64, currency money.Currency, unit money.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, amt := range amounts {
		id := uuid.New().String()
		f.proofs[id] = ledger.CashuProof{
			ID: id, AccountID: accountID, Amount: money.New(amt, currency, unit),
			State: ledger.ProofUnspent, PublicKeyY: id,
		}
	}
}

func (f *fakeLedger) Reserve(ctx context.Context, accountID string, amount money.Money, inputFeePpk uint, spendingKind, spendingID string) ([]ledger.CashuProof, money.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var selected []ledger.CashuProof
	total := money.New(0, amount.Currency, amount.Unit)
	for id, p := range f.proofs {
		if p.AccountID != accountID || p.State != ledger.ProofUnspent {
			continue
		}
		selected = append(selected, p)
		total = total.Add(p.Amount)
		p.State = ledger.ProofPendingSpend
		sid := spendingID
		p.SpendingSendSwapID = &sid
		f.proofs[id] = p
		if total.Amount >= amount.Amount {
			break
		}
	}
	if total.Amount < amount.Amount {
		return nil, money.Money{}, fmt.Errorf("sendswap test: insufficient funds for account %s", accountID)
	}
	for i := range selected {
		selected[i].State = ledger.ProofPendingSpend
		selected[i].SpendingSendSwapID = &spendingID
	}
	return selected, total, nil
}

func (f *fakeLedger) ProofsForSpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]ledger.CashuProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.CashuProof
	for _, p := range f.proofs {
		if p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeLedger) Release(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.proofs {
		if p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID {
			p.State = ledger.ProofUnspent
			p.SpendingSendSwapID = nil
			f.proofs[id] = p
		}
	}
	return nil
}

func (f *fakeLedger) Consume(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.proofs {
		if p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID {
			p.State = ledger.ProofSpent
			f.proofs[id] = p
		}
	}
	return nil
}

func (f *fakeLedger) ConsumeTagged(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.proofs {
		if p.SpendingSendSwapID != nil && *p.SpendingSendSwapID == spendingID && p.State == ledger.ProofUnspent {
			p.State = ledger.ProofSpent
			p.SpendingSendSwapID = nil
			f.proofs[id] = p
		}
	}
	return nil
}

func (f *fakeLedger) AllocateKeysetRange(ctx context.Context, accountID, keysetID string, count uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := f.counters[keysetID]
	f.counters[keysetID] = first + count
	return first, nil
}

func (f *fakeLedger) InsertProofs(ctx context.Context, proofs []ledger.CashuProof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		p.State = ledger.ProofUnspent
		f.proofs[p.ID] = p
		f.inserted = append(f.inserted, p)
	}
	return nil
}

// fakeKeyProvider mirrors internal/tokenswap's: a deterministic master key
// from the shared fixed test mnemonic.
type fakeKeyProvider struct{}

func (fakeKeyProvider) MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error) {
	return derivation.MasterKeyFromMnemonic("half depart obvious quality work element tank gorilla view sugar picture humble")
}

// fakeMintClient mirrors internal/tokenswap's fakeMintClient: Swap signs
// every presented output unless swapErr is set; Restore signs only the
// outputs whose B_ is listed in restoreSubset (nil means sign everything).
type fakeMintClient struct {
	mu            sync.Mutex
	mintKey       *secp256k1.PrivateKey
	swapErr       error
	restoreErr    error
	restoreSubset map[string]bool
	swapCalls     int
	restoreCalls  int
}

func newFakeMintClient() *fakeMintClient {
	seed := sha256.Sum256([]byte("sendswap test mint key"))
	key := secp256k1.PrivKeyFromBytes(seed[:])
	return &fakeMintClient{mintKey: key}
}

func (m *fakeMintClient) mintPublicKeys() map[uint64]*secp256k1.PublicKey {
	out := map[uint64]*secp256k1.PublicKey{}
	for amt := uint64(1); amt <= 1<<20; amt <<= 1 {
		out[amt] = m.mintKey.PubKey()
	}
	return out
}

func (m *fakeMintClient) sign(msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	bBytes, err := hex.DecodeString(msg.B_)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	B_, err := secp256k1.ParsePubKey(bBytes)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}
	C_ := gonutscrypto.SignBlindedMessage(B_, m.mintKey)
	return cashu.BlindedSignature{Amount: msg.Amount, Id: msg.Id, C_: hex.EncodeToString(C_.SerializeCompressed())}, nil
}

func (m *fakeMintClient) Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapCalls++
	if m.swapErr != nil {
		return nil, m.swapErr
	}
	sigs := make(cashu.BlindedSignatures, len(req.Outputs))
	for i, msg := range req.Outputs {
		sig, err := m.sign(msg)
		if err != nil {
			return nil, err
		}
		sigs[i] = sig
	}
	return &nut03.PostSwapResponse{Signatures: sigs}, nil
}

func (m *fakeMintClient) Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreCalls++
	if m.restoreErr != nil {
		return nil, m.restoreErr
	}
	resp := &nut09.PostRestoreResponse{}
	for _, msg := range req.Outputs {
		if m.restoreSubset != nil && !m.restoreSubset[msg.B_] {
			continue
		}
		sig, err := m.sign(msg)
		if err != nil {
			return nil, err
		}
		resp.Outputs = append(resp.Outputs, msg)
		resp.Signatures = append(resp.Signatures, sig)
	}
	return resp, nil
}

// fakeTokenSwapper is an in-memory TokenSwapper backed by a real
// tokenswap.Engine (wired to its own fake repo/ledger/mint), used so
// Reverse's reclaim-via-token-swap path exercises the actual engine logic
// rather than a stub.
type fakeTokenSwapper struct {
	engine *tokenswap.Engine
}

// newFakeTokenSwapper wires a real tokenswap.Engine onto the SAME fakeLedger
// the sendswap engine under test uses, so a refund's reclaimed proofs land
// in the same account balance the test observes — mirroring how both
// engines share one Postgres-backed ledger in production.
func newFakeTokenSwapper(keys fakeKeyProvider, mint *fakeMintClient, l *fakeLedger) *fakeTokenSwapper {
	repo := newFakeTokenSwapRepo()
	engine := tokenswap.NewEngine(repo, mint, l, keys)
	return &fakeTokenSwapper{engine: engine}
}

// fakeTokenSwapRepo is a minimal in-memory tokenswap.Repository, used only
// to let Reverse's reclaim-via-token-swap path run a real tokenswap.Engine.
type fakeTokenSwapRepo struct {
	mu    sync.Mutex
	swaps map[string]tokenswap.CashuTokenSwap
}

func newFakeTokenSwapRepo() *fakeTokenSwapRepo {
	return &fakeTokenSwapRepo{swaps: map[string]tokenswap.CashuTokenSwap{}}
}

func (f *fakeTokenSwapRepo) CreateCashuTokenSwap(ctx context.Context, q tokenswap.CashuTokenSwap) (tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.swaps {
		if existing.TokenHash == q.TokenHash {
			return tokenswap.CashuTokenSwap{}, domainerr.ErrTokenAlreadyClaimed
		}
	}
	q.Version = 1
	f.swaps[q.ID] = q
	return q, nil
}

func (f *fakeTokenSwapRepo) GetCashuTokenSwap(ctx context.Context, id string) (tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.swaps[id]
	if !ok {
		return tokenswap.CashuTokenSwap{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeTokenSwapRepo) GetCashuTokenSwapByTokenHash(ctx context.Context, tokenHash string) (tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.swaps {
		if q.TokenHash == tokenHash {
			return q, nil
		}
	}
	return tokenswap.CashuTokenSwap{}, domainerr.ErrRecordNotFound
}

func (f *fakeTokenSwapRepo) CompleteCashuTokenSwap(ctx context.Context, id string, expectedVersion int64) (tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.swaps[id]
	if !ok {
		return tokenswap.CashuTokenSwap{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return tokenswap.CashuTokenSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	q.State = tokenswap.StateCompleted
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeTokenSwapRepo) FailCashuTokenSwap(ctx context.Context, id string, expectedVersion int64, reason string) (tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.swaps[id]
	if !ok {
		return tokenswap.CashuTokenSwap{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return tokenswap.CashuTokenSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	q.State = tokenswap.StateFailed
	q.FailureReason = &reason
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeTokenSwapRepo) ListNonTerminalCashuTokenSwaps(ctx context.Context) ([]tokenswap.CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tokenswap.CashuTokenSwap
	for _, q := range f.swaps {
		if q.State == tokenswap.StatePending {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeTokenSwapper) GetByTokenHash(ctx context.Context, tokenHash string) (tokenswap.CashuTokenSwap, error) {
	return f.engine.GetByTokenHash(ctx, tokenHash)
}

func (f *fakeTokenSwapper) Create(ctx context.Context, userID, accountID, transactionID, encodedToken, tokenProofsJSON, keysetID string, inputAmount, fee money.Money) (tokenswap.CashuTokenSwap, error) {
	return f.engine.Create(ctx, userID, accountID, transactionID, encodedToken, tokenProofsJSON, keysetID, inputAmount, fee)
}

func (f *fakeTokenSwapper) CompleteSwap(ctx context.Context, q tokenswap.CashuTokenSwap, mintPublicKeys map[uint64]*secp256k1.PublicKey) (tokenswap.CashuTokenSwap, error) {
	return f.engine.CompleteSwap(ctx, q, mintPublicKeys)
}
