package sendquote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"
	gonutscrypto "github.com/elnosh/gonuts/crypto"

	"github.com/agicash/walletcore/internal/derivation"
	"github.com/agicash/walletcore/internal/domainerr"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/sparkclient"
)

// fakeCashuRepo is an in-memory CashuRepository, mirroring the
// fake-repository unit testing style used throughout this module (see
// internal/ledger's fakeRepository).
type fakeCashuRepo struct {
	mu     sync.Mutex
	quotes map[string]CashuSendQuote
}

func newFakeCashuRepo() *fakeCashuRepo {
	return &fakeCashuRepo{quotes: map[string]CashuSendQuote{}}
}

func (f *fakeCashuRepo) CreateCashuSendQuote(ctx context.Context, q CashuSendQuote) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.quotes {
		if existing.PaymentHash == q.PaymentHash {
			return CashuSendQuote{}, domainerr.ErrPaymentHashExists
		}
	}
	q.Version = 1
	f.quotes[q.ID] = q
	return q, nil
}

func (f *fakeCashuRepo) GetCashuSendQuote(ctx context.Context, id string) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[id]
	if !ok {
		return CashuSendQuote{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeCashuRepo) lock(id string, expectedVersion int64) (CashuSendQuote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return CashuSendQuote{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return CashuSendQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeCashuRepo) MarkCashuSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, meltQuoteID, keysetID string, counterStart uint32, sendAmounts, changeAmounts []uint64, sendProofsJSON string) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.State = StatePending
	q.MeltQuoteID = &meltQuoteID
	q.KeysetID = &keysetID
	q.KeysetCounter = &counterStart
	q.SendAmounts, q.ChangeAmounts, q.SendProofsJSON = sendAmounts, changeAmounts, sendProofsJSON
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) CompleteCashuSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.State = StateCompleted
	q.Fee = &fee
	q.PaymentPreimage = &paymentPreimage
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) ExpireCashuSendQuote(ctx context.Context, id string, expectedVersion int64) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.State = StateExpired
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) FailCashuSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuSendQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.AmbiguousOutcome = ambiguousOutcome
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) ListNonTerminalCashuSendQuotes(ctx context.Context) ([]CashuSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuSendQuote
	for _, q := range f.quotes {
		if q.State == StateUnpaid || q.State == StatePending {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeSparkRepo is an in-memory SparkRepository.
type fakeSparkRepo struct {
	mu     sync.Mutex
	quotes map[string]SparkSendQuote
}

func newFakeSparkRepo() *fakeSparkRepo {
	return &fakeSparkRepo{quotes: map[string]SparkSendQuote{}}
}

func (f *fakeSparkRepo) CreateSparkSendQuote(ctx context.Context, q SparkSendQuote) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.Version = 1
	f.quotes[q.ID] = q
	return q, nil
}

func (f *fakeSparkRepo) GetSparkSendQuote(ctx context.Context, id string) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[id]
	if !ok {
		return SparkSendQuote{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeSparkRepo) lock(id string, expectedVersion int64) (SparkSendQuote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return SparkSendQuote{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return SparkSendQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeSparkRepo) MarkSparkSendQuoteAsPending(ctx context.Context, id string, expectedVersion int64, sparkTransferID string) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StatePending
	q.SparkTransferID = &sparkTransferID
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) CompleteSparkSendQuote(ctx context.Context, id string, expectedVersion int64, fee money.Money, paymentPreimage string) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StateCompleted
	q.Fee = &fee
	q.PaymentPreimage = &paymentPreimage
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) ExpireSparkSendQuote(ctx context.Context, id string, expectedVersion int64) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StateExpired
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) FailSparkSendQuote(ctx context.Context, id string, expectedVersion int64, reason string, ambiguousOutcome bool) (SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkSendQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.AmbiguousOutcome = ambiguousOutcome
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) ListNonTerminalSparkSendQuotes(ctx context.Context) ([]SparkSendQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SparkSendQuote
	for _, q := range f.quotes {
		if q.State == StateUnpaid || q.State == StatePending {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeLedger is an in-memory Ledger satisfying this package's narrow Ledger
// interface, tracking reservations by spendingID without modelling proof
// selection (the selection algorithm itself is covered by internal/ledger's
// own tests).
type fakeLedger struct {
	mu       sync.Mutex
	reserved map[string][]ledger.CashuProof
	released map[string]bool
	consumed map[string]bool
	inserted []ledger.CashuProof
	counters map[string]uint32

	// reserveAny, when set, makes Reserve hand back reserveProofs for any
	// spendingID it's asked about (used by tests that can't predict the
	// uuid Create generates before calling it).
	reserveAny    bool
	reserveProofs []ledger.CashuProof
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reserved: map[string][]ledger.CashuProof{},
		released: map[string]bool{},
		consumed: map[string]bool{},
		counters: map[string]uint32{},
	}
}

func (f *fakeLedger) seedReservation(spendingID string, proofs []ledger.CashuProof) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved[spendingID] = proofs
}

func (f *fakeLedger) Reserve(ctx context.Context, accountID string, amount money.Money, inputFeePpk uint, spendingKind, spendingID string) ([]ledger.CashuProof, money.Money, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	proofs, ok := f.reserved[spendingID]
	if !ok {
		if f.reserveAny {
			proofs = f.reserveProofs
			f.reserved[spendingID] = proofs
		} else {
			return nil, money.Money{}, fmt.Errorf("fakeLedger: no proofs seeded for %s", spendingID)
		}
	}
	total := money.New(0, amount.Currency, amount.Unit)
	for _, p := range proofs {
		total = total.Add(p.Amount)
	}
	return proofs, total, nil
}

func (f *fakeLedger) Release(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[spendingID] = true
	return nil
}

func (f *fakeLedger) Consume(ctx context.Context, spendingKind, spendingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed[spendingID] = true
	return nil
}

func (f *fakeLedger) ProofsForSpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]ledger.CashuProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserved[spendingID], nil
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
// mnemonic via internal/derivation, the same fixture used by that package's
// own tests.
type fakeKeyProvider struct{}

func (fakeKeyProvider) MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error) {
	return derivation.MasterKeyFromMnemonic("half depart obvious quality work element tank gorilla view sugar picture humble")
}

// fakeMintClient is a deterministic in-memory NUT-03/04/05/09 mint: Swap
// signs blinded messages with a fixed test private key (mirroring
// elnosh-gonuts/crypto.SignBlindedMessage), and melt quotes are driven
// entirely by the test via the meltPaid/meltFeeSats/meltErr fields.
type fakeMintClient struct {
	mu           sync.Mutex
	mintKey      *secp256k1.PrivateKey
	meltPaid     bool
	meltFeeSats  uint64
	meltErr      error
	swapErr      error
	createErr    error
	checkCalls   int
	meltCalls    int
}

func newFakeMintClient() *fakeMintClient {
	seed := sha256.Sum256([]byte("sendquote test mint key"))
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

func (m *fakeMintClient) CreateMeltQuote(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &nut05.PostMeltQuoteBolt11Response{Quote: "meltquote1", Amount: 100, FeeReserve: m.meltFeeSats, Paid: false}, nil
}

func (m *fakeMintClient) CheckMeltQuote(ctx context.Context, quoteID string) (*nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkCalls++
	return &nut05.PostMeltQuoteBolt11Response{Quote: quoteID, FeeReserve: m.meltFeeSats, Paid: m.meltPaid}, nil
}

func (m *fakeMintClient) MeltProofsIdempotent(ctx context.Context, req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meltCalls++
	if m.meltErr != nil {
		return nil, m.meltErr
	}
	return &nut05.PostMeltQuoteBolt11Response{Quote: req.Quote, FeeReserve: m.meltFeeSats, Paid: m.meltPaid}, nil
}

func (m *fakeMintClient) Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	if m.swapErr != nil {
		return nil, m.swapErr
	}
	sigs := make(cashu.BlindedSignatures, len(req.Outputs))
	for i, msg := range req.Outputs {
		bBytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, err
		}
		B_, err := secp256k1.ParsePubKey(bBytes)
		if err != nil {
			return nil, err
		}
		C_ := gonutscrypto.SignBlindedMessage(B_, m.mintKey)
		sigs[i] = cashu.BlindedSignature{Amount: msg.Amount, Id: msg.Id, C_: hex.EncodeToString(C_.SerializeCompressed())}
	}
	return &nut03.PostSwapResponse{Signatures: sigs}, nil
}

func (m *fakeMintClient) Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	return &nut09.PostRestoreResponse{}, nil
}

func (m *fakeMintClient) GetKeysetByID(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	return &nut01.GetKeysResponse{}, nil
}

// fakeSparkClient is an in-memory SparkClient.
type fakeSparkClient struct {
	resp *sparkclient.PayInvoiceResponse
	err  error
}

func (c *fakeSparkClient) PayInvoice(ctx context.Context, req sparkclient.PayInvoiceRequest) (*sparkclient.PayInvoiceResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}
