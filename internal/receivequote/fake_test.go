package receivequote

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
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
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
// internal/ledger's fakeRepository and internal/sendquote's fake_test.go).
type fakeCashuRepo struct {
	mu     sync.Mutex
	quotes map[string]CashuReceiveQuote
}

func newFakeCashuRepo() *fakeCashuRepo {
	return &fakeCashuRepo{quotes: map[string]CashuReceiveQuote{}}
}

func (f *fakeCashuRepo) CreateCashuReceiveQuote(ctx context.Context, q CashuReceiveQuote) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.quotes {
		if existing.PaymentHash == q.PaymentHash {
			return CashuReceiveQuote{}, domainerr.ErrPaymentHashExists
		}
	}
	q.Version = 1
	f.quotes[q.ID] = q
	return q, nil
}

func (f *fakeCashuRepo) GetCashuReceiveQuote(ctx context.Context, id string) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[id]
	if !ok {
		return CashuReceiveQuote{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeCashuRepo) GetCashuReceiveQuoteByPaymentHash(ctx context.Context, paymentHash string) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.quotes {
		if q.PaymentHash == paymentHash {
			return q, nil
		}
	}
	return CashuReceiveQuote{}, domainerr.ErrRecordNotFound
}

func (f *fakeCashuRepo) lock(id string, expectedVersion int64) (CashuReceiveQuote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return CashuReceiveQuote{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return CashuReceiveQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeCashuRepo) MarkCashuReceiveQuoteCashuTokenMeltInitiated(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return 0, err
	}
	if q.TokenReceiveData == nil {
		return 0, fmt.Errorf("fakeCashuRepo: quote %s has no bridge data", id)
	}
	if !q.TokenReceiveData.MeltInitiated {
		q.TokenReceiveData.MeltInitiated = true
		q.Version++
		f.quotes[id] = q
	}
	return q.Version, nil
}

func (f *fakeCashuRepo) ProcessCashuReceiveQuotePayment(ctx context.Context, id string, expectedVersion int64, keysetID string, counterStart uint32, outputAmounts []uint64) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.State = StatePaid
	q.KeysetID = &keysetID
	q.KeysetCounter = &counterStart
	q.OutputAmounts = outputAmounts
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) CompleteCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.State = StateCompleted
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) ExpireCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.State = StateExpired
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) FailCashuReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return CashuReceiveQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeCashuRepo) ListNonTerminalCashuReceiveQuotes(ctx context.Context) ([]CashuReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CashuReceiveQuote
	for _, q := range f.quotes {
		if q.State == StateUnpaid || q.State == StatePaid {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeSparkRepo is an in-memory SparkRepository.
type fakeSparkRepo struct {
	mu     sync.Mutex
	quotes map[string]SparkReceiveQuote
}

func newFakeSparkRepo() *fakeSparkRepo {
	return &fakeSparkRepo{quotes: map[string]SparkReceiveQuote{}}
}

func (f *fakeSparkRepo) CreateSparkReceiveQuote(ctx context.Context, q SparkReceiveQuote) (SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q.Version = 1
	f.quotes[q.ID] = q
	return q, nil
}

func (f *fakeSparkRepo) GetSparkReceiveQuote(ctx context.Context, id string) (SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[id]
	if !ok {
		return SparkReceiveQuote{}, domainerr.ErrRecordNotFound
	}
	return q, nil
}

func (f *fakeSparkRepo) lock(id string, expectedVersion int64) (SparkReceiveQuote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return SparkReceiveQuote{}, domainerr.ErrRecordNotFound
	}
	if q.Version != expectedVersion {
		return SparkReceiveQuote{}, domainerr.NewConcurrencyError(id, expectedVersion, q.Version)
	}
	return q, nil
}

func (f *fakeSparkRepo) CompleteSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, paymentPreimage, sparkTransferID string) (SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.State = StateCompleted
	q.PaymentPreimage = &paymentPreimage
	q.SparkTransferID = &sparkTransferID
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) ExpireSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64) (SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.State = StateExpired
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) FailSparkReceiveQuote(ctx context.Context, id string, expectedVersion int64, reason string) (SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, err := f.lock(id, expectedVersion)
	if err != nil {
		return SparkReceiveQuote{}, err
	}
	q.State = StateFailed
	q.FailureReason = &reason
	q.Version++
	f.quotes[id] = q
	return q, nil
}

func (f *fakeSparkRepo) ListNonTerminalSparkReceiveQuotes(ctx context.Context) ([]SparkReceiveQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SparkReceiveQuote
	for _, q := range f.quotes {
		if q.State == StateUnpaid {
			out = append(out, q)
		}
	}
	return out, nil
}

// fakeLedger is an in-memory Ledger satisfying this package's narrow Ledger
// interface.
type fakeLedger struct {
	mu       sync.Mutex
	inserted []ledger.CashuProof
	counters map[string]uint32
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
// mnemonic via internal/derivation, the same fixture used by internal/
// sendquote's tests and internal/derivation's own tests.
type fakeKeyProvider struct{}

func (fakeKeyProvider) MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error) {
	return derivation.MasterKeyFromMnemonic("half depart obvious quality work element tank gorilla view sugar picture humble")
}

// fakeMintClient is a deterministic in-memory NUT-01/04/05/09 mint: mint and
// swap signatures both come from the same fixed test private key, mirroring
// elnosh-gonuts/crypto.SignBlindedMessage.
type fakeMintClient struct {
	mu      sync.Mutex
	mintKey *secp256k1.PrivateKey

	quoteRequest   string
	quotePaid      bool
	createErr      error
	checkErr       error
	mintErr        error
	restoreSigs    cashu.BlindedSignatures
	restoreErr     error

	meltFeeSats uint64
	meltPaid    bool
	meltErr     error

	checkMintCalls int
	mintCalls      int
	restoreCalls   int
	meltCalls      int
}

func newFakeMintClient() *fakeMintClient {
	seed := sha256.Sum256([]byte("receivequote test mint key"))
	key := secp256k1.PrivKeyFromBytes(seed[:])
	return &fakeMintClient{mintKey: key, quoteRequest: testInvoice}
}

func (m *fakeMintClient) mintPublicKeys() map[uint64]*secp256k1.PublicKey {
	out := map[uint64]*secp256k1.PublicKey{}
	for amt := uint64(1); amt <= 1<<20; amt <<= 1 {
		out[amt] = m.mintKey.PubKey()
	}
	return out
}

func (m *fakeMintClient) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	sigs := make(cashu.BlindedSignatures, len(outputs))
	for i, msg := range outputs {
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
	return sigs, nil
}

func (m *fakeMintClient) CreateMintQuote(ctx context.Context, req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &nut04.PostMintQuoteBolt11Response{Quote: "mintquote1", Request: m.quoteRequest, Paid: false, Expiry: 1893456000}, nil
}

func (m *fakeMintClient) CheckMintQuote(ctx context.Context, quoteID string) (*nut04.PostMintQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkMintCalls++
	if m.checkErr != nil {
		return nil, m.checkErr
	}
	return &nut04.PostMintQuoteBolt11Response{Quote: quoteID, Request: m.quoteRequest, Paid: m.quotePaid}, nil
}

func (m *fakeMintClient) MintProofs(ctx context.Context, req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintCalls++
	if m.mintErr != nil {
		return nil, m.mintErr
	}
	sigs, err := m.sign(req.Outputs)
	if err != nil {
		return nil, err
	}
	return &nut04.PostMintBolt11Response{Signatures: sigs}, nil
}

func (m *fakeMintClient) Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreCalls++
	if m.restoreErr != nil {
		return nil, m.restoreErr
	}
	if m.restoreSigs != nil {
		return &nut09.PostRestoreResponse{Outputs: req.Outputs, Signatures: m.restoreSigs}, nil
	}
	sigs, err := m.sign(req.Outputs)
	if err != nil {
		return nil, err
	}
	return &nut09.PostRestoreResponse{Outputs: req.Outputs, Signatures: sigs}, nil
}

func (m *fakeMintClient) GetKeysetByID(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	return &nut01.GetKeysResponse{}, nil
}

func (m *fakeMintClient) CreateMeltQuote(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	return &nut05.PostMeltQuoteBolt11Response{Quote: "meltquote1", Amount: 100, FeeReserve: m.meltFeeSats, Paid: false}, nil
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

func (m *fakeMintClient) CheckMeltQuote(ctx context.Context, quoteID string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return &nut05.PostMeltQuoteBolt11Response{Quote: quoteID, FeeReserve: m.meltFeeSats, Paid: m.meltPaid}, nil
}

// fakeSparkClient is an in-memory SparkClient for the Spark receive path.
type fakeSparkClient struct {
	mu sync.Mutex

	createResp *sparkclient.CreateLightningInvoiceResponse
	createErr  error

	statusResp *sparkclient.GetLightningReceiveRequestResponse
	statusErr  error
}

func (c *fakeSparkClient) CreateLightningInvoice(ctx context.Context, req sparkclient.CreateLightningInvoiceRequest) (*sparkclient.CreateLightningInvoiceResponse, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	return c.createResp, nil
}

func (c *fakeSparkClient) GetLightningReceiveRequest(ctx context.Context, id string) (*sparkclient.GetLightningReceiveRequestResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return nil, c.statusErr
	}
	return c.statusResp, nil
}
