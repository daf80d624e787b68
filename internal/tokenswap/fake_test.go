package tokenswap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"
	gonutscrypto "github.com/elnosh/gonuts/crypto"

	"github.com/agicash/walletcore/internal/derivation"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/ledger"
)

// fakeRepo is an in-memory Repository, mirroring the fake-repository unit
// testing style used throughout this module (see internal/sendquote's
// fakeCashuRepo).
type fakeRepo struct {
	mu    sync.Mutex
	swaps map[string]CashuTokenSwap
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{swaps: map[string]CashuTokenSwap{}}
}

func (f *fakeRepo) CreateCashuTokenSwap(ctx context.Context, q CashuTokenSwap) (CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.swaps {
		if existing.TokenHash == q.TokenHash {
			return CashuTokenSwap{}, domainerr.ErrTokenAlreadyClaimed
		}
	}
	q.Version = 1
	f.swaps[q.ID] = q
	return q, nil
}

func (f *fakeRepo) GetCashuTokenSwap(ctx context.Context, id string) (CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.swaps[id]
	if !ok {
		return CashuTokenSwap{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeRepo) GetCashuTokenSwapByTokenHash(ctx context.Context, tokenHash string) (CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.swaps {
		if q.TokenHash == tokenHash {
			return q, nil
		}
	}
	return CashuTokenSwap{}, domainerr.ErrRecordNotFound
}

func (f *fakeRepo) lock(id string, expectedVersion int64) (CashuTokenSwap, error) {
	q, ok := f.swaps[id]
	if !ok {
		return CashuTokenSwap{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return CashuTokenSwap{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeRepo) CompleteCashuTokenSwap(ctx context.Context, id string, expectedVersion int64) (CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	q.State = StateCompleted
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) FailCashuTokenSwap(ctx context.Context, id string, expectedVersion int64, reason string) (CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuTokenSwap{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.Version++
	f.swaps[id] = q
	return q, nil
}

func (f *fakeRepo) ListNonTerminalCashuTokenSwaps(ctx context.Context) ([]CashuTokenSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuTokenSwap
	for _, q := range f.swaps {
		if q.State == StatePending {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeLedger is an in-memory Ledger satisfying this package's narrow Ledger
// interface.
type fakeLedger struct {
	mu       sync.Mutex
	counters map[string]uint32
	inserted []ledger.CashuProof
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counters: map[string]uint32{}}
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
	f.inserted = append(f.inserted, proofs...)
	return nil
}

// fakeKeyProvider derives a deterministic master key from a fixed test
// mnemonic via internal/derivation, the same fixture used by
// internal/sendquote's and internal/receivequote's own tests.
type fakeKeyProvider struct{}

func (fakeKeyProvider) MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error) {
	return derivation.MasterKeyFromMnemonic("half depart obvious quality work element tank gorilla view sugar picture humble")
}

// fakeMintClient is a deterministic in-memory NUT-03/NUT-9 mint. Swap signs
// every presented output unless swapErr is set; when swapErr wraps a
// restorable domainerr.MintOperationError, the engine is expected to fall
// back to Restore, which (by default) signs only the outputs whose B_ is
// listed in restoreSubset (simulating a mint that already signed some of
// this counter range in a prior, interrupted attempt).
type fakeMintClient struct {
	mu            sync.Mutex
	mintKey       *secp256k1.PrivateKey
	swapErr       error
	restoreErr    error
	restoreSubset map[string]bool // B_ hex -> include in Restore response
	swapCalls     int
	restoreCalls  int
}

func newFakeMintClient() *fakeMintClient {
	seed := sha256.Sum256([]byte("tokenswap test mint key"))
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
