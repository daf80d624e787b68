package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/agicash/walletcore/internal/cache"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/mintclient"
	"github.com/agicash/walletcore/internal/queue"
	"github.com/agicash/walletcore/internal/receivequote"
	"github.com/agicash/walletcore/internal/registry"
	"github.com/agicash/walletcore/internal/sendquote"
	"github.com/agicash/walletcore/internal/sendswap"
	"github.com/agicash/walletcore/internal/tokenswap"
	"github.com/agicash/walletcore/internal/transaction"
	"github.com/agicash/walletcore/internal/walletkeys"
)

// Mints resolves (and caches, per §5 "Mint wallet objects are cached per
// mintUrl; ... guarded by a single-flight per url") the mint HTTP client for
// a given account. Every Cashu-side driver re-resolves the mint client for
// the account it is advancing and builds a fresh, stateless engine around
// it: the engines this package drives hold their mint client as a plain
// struct field rather than a registry, since one process serves accounts
// spread across many mints.
type Mints struct {
	registry *registry.Registry[string, *mintclient.Client]
	timeout  time.Duration
	ledger   *ledger.Ledger
}

func NewMints(ledg *ledger.Ledger, requestTimeout time.Duration) *Mints {
	return &Mints{registry: registry.New[string, *mintclient.Client](), timeout: requestTimeout, ledger: ledg}
}

func (m *Mints) forAccount(ctx context.Context, accountID string) (*mintclient.Client, error) {
	account, err := m.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("processor: resolve account %s: %w", accountID, err)
	}
	if account.Cashu == nil {
		return nil, fmt.Errorf("processor: account %s has no cashu details", accountID)
	}
	mintURL := account.Cashu.MintURL
	return m.registry.GetOrCreate(mintURL, func() (*mintclient.Client, error) {
		return mintclient.New(mintURL, m.timeout), nil
	})
}

// activeKeysetID picks the mint's currently active keyset, used when a
// record has not yet locked itself to one (§4.1 "a fresh load ... reads the
// counter" happens against whichever keyset is active at that moment).
func activeKeysetID(ctx context.Context, mint *mintclient.Client) (string, error) {
	resp, err := mint.GetActiveKeysets(ctx)
	if err != nil {
		return "", fmt.Errorf("processor: get active keysets: %w", err)
	}
	if len(resp.Keysets) == 0 {
		return "", fmt.Errorf("processor: mint reported no active keysets")
	}
	return resp.Keysets[0].Id, nil
}

// keysetPublicKeys resolves the mint public keys for keysetID, used to
// unblind a just-issued batch of signatures (§4.2/§4.4/§4.5).
func keysetPublicKeys(ctx context.Context, mint *mintclient.Client, keysetID string) (map[uint64]*secp256k1.PublicKey, error) {
	resp, err := mint.GetKeysetByID(ctx, keysetID)
	if err != nil {
		return nil, fmt.Errorf("processor: get keyset %s: %w", keysetID, err)
	}
	if len(resp.Keysets) == 0 {
		return nil, fmt.Errorf("processor: mint reported no keys for keyset %s", keysetID)
	}
	return resp.Keysets[0].Keys, nil
}

// cashuReceiveDriver drives internal/receivequote.CashuEngine's UNPAID/PAID
// records (§4.2, §4.7).
type cashuReceiveDriver struct {
	repo   receivequote.CashuRepository
	ledger *ledger.Ledger
	keys   *walletkeys.MasterKeyProvider
	mints  *Mints
	proj   *transaction.Projector
	cache  *cache.RecordCache[receivequote.CashuReceiveQuote]
}

func NewCashuReceiveDriver(repo receivequote.CashuRepository, ledg *ledger.Ledger, keys *walletkeys.MasterKeyProvider, mints *Mints, proj *transaction.Projector) Driver {
	return &cashuReceiveDriver{repo: repo, ledger: ledg, keys: keys, mints: mints, proj: proj, cache: cache.NewRecordCache[receivequote.CashuReceiveQuote]("cashu_receive_quote")}
}

func (d *cashuReceiveDriver) Kind() queue.RecordKind { return queue.KindCashuReceiveQuote }

func (d *cashuReceiveDriver) ListPending(ctx context.Context) ([]Item, error) {
	quotes, err := d.repo.ListNonTerminalCashuReceiveQuotes(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(quotes))
	for i, q := range quotes {
		items[i] = Item{ID: q.ID, CreatedAt: q.CreatedAt}
	}
	return items, nil
}

func (d *cashuReceiveDriver) InvalidateCache(ctx context.Context, id string) error {
	return d.cache.Cancel(ctx, id)
}

func (d *cashuReceiveDriver) Advance(ctx context.Context, id string) error {
	q, err := d.repo.GetCashuReceiveQuote(ctx, id)
	if err != nil {
		return err
	}

	if q.State == receivequote.StateUnpaid && time.Now().UTC().After(q.ExpiresAt) {
		engine := receivequote.NewCashuEngine(d.repo, nil, d.ledger, d.keys)
		expired, err := engine.Expire(ctx, q.ID, q.Version)
		if err != nil {
			return err
		}
		return d.proj.ProjectCashuReceiveQuote(ctx, expired)
	}

	mint, err := d.mints.forAccount(ctx, q.AccountID)
	if err != nil {
		return err
	}
	engine := receivequote.NewCashuEngine(d.repo, mint, d.ledger, d.keys)

	switch q.State {
	case receivequote.StateUnpaid:
		keysetID, err := activeKeysetID(ctx, mint)
		if err != nil {
			return err
		}
		paid, err := engine.ProcessPayment(ctx, q, keysetID)
		if err != nil {
			return err
		}
		return d.proj.ProjectCashuReceiveQuote(ctx, paid)
	case receivequote.StatePaid:
		keys, err := keysetPublicKeys(ctx, mint, *q.KeysetID)
		if err != nil {
			return err
		}
		completed, err := engine.CompleteReceive(ctx, q, keys)
		if err != nil {
			return err
		}
		return d.proj.ProjectCashuReceiveQuote(ctx, completed)
	}
	return nil
}

// sparkReceiveDriver drives internal/receivequote.SparkEngine's UNPAID
// records (§4.2 Spark parallel). Unlike the Cashu side, Spark has exactly
// one backing service for the whole process, so the engine is built once.
type sparkReceiveDriver struct {
	repo   receivequote.SparkRepository
	engine *receivequote.SparkEngine
	proj   *transaction.Projector
	cache  *cache.RecordCache[receivequote.SparkReceiveQuote]
}

func NewSparkReceiveDriver(repo receivequote.SparkRepository, engine *receivequote.SparkEngine, proj *transaction.Projector) Driver {
	return &sparkReceiveDriver{repo: repo, engine: engine, proj: proj, cache: cache.NewRecordCache[receivequote.SparkReceiveQuote]("spark_receive_quote")}
}

func (d *sparkReceiveDriver) Kind() queue.RecordKind { return queue.KindSparkReceiveQuote }

func (d *sparkReceiveDriver) ListPending(ctx context.Context) ([]Item, error) {
	quotes, err := d.repo.ListNonTerminalSparkReceiveQuotes(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(quotes))
	for i, q := range quotes {
		items[i] = Item{ID: q.ID, CreatedAt: q.CreatedAt}
	}
	return items, nil
}

func (d *sparkReceiveDriver) InvalidateCache(ctx context.Context, id string) error {
	return d.cache.Cancel(ctx, id)
}

func (d *sparkReceiveDriver) Advance(ctx context.Context, id string) error {
	q, err := d.repo.GetSparkReceiveQuote(ctx, id)
	if err != nil {
		return err
	}
	if q.State != receivequote.StateUnpaid {
		return nil
	}
	if time.Now().UTC().After(q.ExpiresAt) {
		expired, err := d.engine.Expire(ctx, q.ID, q.Version)
		if err != nil {
			return err
		}
		return d.proj.ProjectSparkReceiveQuote(ctx, expired)
	}
	paid, err := d.engine.ProcessPayment(ctx, q)
	if err != nil {
		return err
	}
	return d.proj.ProjectSparkReceiveQuote(ctx, paid)
}

// cashuSendDriver drives internal/sendquote.CashuEngine's PENDING melts
// (§4.3). UNPAID is flipped to PENDING synchronously by the interactive
// Create->MarkAsPending call; the processor never initiates that leg.
type cashuSendDriver struct {
	repo   sendquote.CashuRepository
	ledger *ledger.Ledger
	keys   *walletkeys.MasterKeyProvider
	mints  *Mints
	proj   *transaction.Projector
	cache  *cache.RecordCache[sendquote.CashuSendQuote]
}

func NewCashuSendDriver(repo sendquote.CashuRepository, ledg *ledger.Ledger, keys *walletkeys.MasterKeyProvider, mints *Mints, proj *transaction.Projector) Driver {
	return &cashuSendDriver{repo: repo, ledger: ledg, keys: keys, mints: mints, proj: proj, cache: cache.NewRecordCache[sendquote.CashuSendQuote]("cashu_send_quote")}
}

func (d *cashuSendDriver) Kind() queue.RecordKind { return queue.KindCashuSendQuote }

func (d *cashuSendDriver) ListPending(ctx context.Context) ([]Item, error) {
	quotes, err := d.repo.ListNonTerminalCashuSendQuotes(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(quotes))
	for i, q := range quotes {
		items[i] = Item{ID: q.ID, CreatedAt: q.CreatedAt}
	}
	return items, nil
}

func (d *cashuSendDriver) InvalidateCache(ctx context.Context, id string) error {
	return d.cache.Cancel(ctx, id)
}

func (d *cashuSendDriver) Advance(ctx context.Context, id string) error {
	q, err := d.repo.GetCashuSendQuote(ctx, id)
	if err != nil {
		return err
	}
	if q.State != sendquote.StatePending {
		return nil
	}
	mint, err := d.mints.forAccount(ctx, q.AccountID)
	if err != nil {
		return err
	}
	engine := sendquote.NewCashuEngine(d.repo, mint, d.ledger, d.keys)
	settled, err := engine.ProcessPayment(ctx, q)
	if err != nil {
		return err
	}
	return d.proj.ProjectCashuSendQuote(ctx, settled)
}

// sparkSendDriver exists only to keep internal/processor's driver set
// symmetric with internal/sendquote's Cashu/Spark split; Spark's PayInvoice
// leg is synchronous and explicitly documented as idempotency-free
// (sendquote.SparkEngine.MarkAsPending), so nothing here may retry it blind.
type sparkSendDriver struct {
	repo sendquote.SparkRepository
}

func NewSparkSendDriver(repo sendquote.SparkRepository) Driver {
	return &sparkSendDriver{repo: repo}
}

func (d *sparkSendDriver) Kind() queue.RecordKind { return queue.KindSparkSendQuote }

func (d *sparkSendDriver) ListPending(ctx context.Context) ([]Item, error) {
	quotes, err := d.repo.ListNonTerminalSparkSendQuotes(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(quotes))
	for i, q := range quotes {
		items[i] = Item{ID: q.ID, CreatedAt: q.CreatedAt}
	}
	return items, nil
}

func (d *sparkSendDriver) InvalidateCache(ctx context.Context, id string) error { return nil }

func (d *sparkSendDriver) Advance(ctx context.Context, id string) error { return nil }

// tokenSwapDriver drives internal/tokenswap.Engine's PENDING records (§4.4).
type tokenSwapDriver struct {
	repo   tokenswap.Repository
	ledger *ledger.Ledger
	keys   *walletkeys.MasterKeyProvider
	mints  *Mints
	proj   *transaction.Projector
	cache  *cache.RecordCache[tokenswap.CashuTokenSwap]
}

func NewTokenSwapDriver(repo tokenswap.Repository, ledg *ledger.Ledger, keys *walletkeys.MasterKeyProvider, mints *Mints, proj *transaction.Projector) Driver {
	return &tokenSwapDriver{repo: repo, ledger: ledg, keys: keys, mints: mints, proj: proj, cache: cache.NewRecordCache[tokenswap.CashuTokenSwap]("cashu_token_swap")}
}

func (d *tokenSwapDriver) Kind() queue.RecordKind { return queue.KindCashuTokenSwap }

func (d *tokenSwapDriver) ListPending(ctx context.Context) ([]Item, error) {
	swaps, err := d.repo.ListNonTerminalCashuTokenSwaps(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(swaps))
	for i, s := range swaps {
		items[i] = Item{ID: s.ID, CreatedAt: s.CreatedAt}
	}
	return items, nil
}

func (d *tokenSwapDriver) InvalidateCache(ctx context.Context, id string) error {
	return d.cache.Cancel(ctx, id)
}

func (d *tokenSwapDriver) Advance(ctx context.Context, id string) error {
	q, err := d.repo.GetCashuTokenSwap(ctx, id)
	if err != nil {
		return err
	}
	if q.State != tokenswap.StatePending {
		return nil
	}
	mint, err := d.mints.forAccount(ctx, q.AccountID)
	if err != nil {
		return err
	}
	keys, err := keysetPublicKeys(ctx, mint, q.KeysetID)
	if err != nil {
		return err
	}
	engine := tokenswap.NewEngine(d.repo, mint, d.ledger, d.keys)
	completed, err := engine.CompleteSwap(ctx, q, keys)
	if err != nil {
		return err
	}
	return d.proj.ProjectCashuTokenSwap(ctx, completed)
}

// sendSwapDriver drives internal/sendswap.Engine's DRAFT records, settling
// the mint swap for the oversized-reservation path so a sendable token
// becomes available without the caller blocking on the mint round trip
// (§4.5). PENDING swaps await an external claim/cancel signal and are not
// polled here.
type sendSwapDriver struct {
	repo      sendswap.Repository
	tokenRepo tokenswap.Repository
	ledger    *ledger.Ledger
	keys      *walletkeys.MasterKeyProvider
	mints     *Mints
	proj      *transaction.Projector
	cache     *cache.RecordCache[sendswap.CashuSendSwap]
}

func NewSendSwapDriver(repo sendswap.Repository, tokenRepo tokenswap.Repository, ledg *ledger.Ledger, keys *walletkeys.MasterKeyProvider, mints *Mints, proj *transaction.Projector) Driver {
	return &sendSwapDriver{repo: repo, tokenRepo: tokenRepo, ledger: ledg, keys: keys, mints: mints, proj: proj, cache: cache.NewRecordCache[sendswap.CashuSendSwap]("cashu_send_swap")}
}

func (d *sendSwapDriver) Kind() queue.RecordKind { return queue.KindCashuSendSwap }

func (d *sendSwapDriver) ListPending(ctx context.Context) ([]Item, error) {
	swaps, err := d.repo.ListNonTerminalCashuSendSwaps(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(swaps))
	for i, s := range swaps {
		items[i] = Item{ID: s.ID, CreatedAt: s.CreatedAt}
	}
	return items, nil
}

func (d *sendSwapDriver) InvalidateCache(ctx context.Context, id string) error {
	return d.cache.Cancel(ctx, id)
}

func (d *sendSwapDriver) Advance(ctx context.Context, id string) error {
	q, err := d.repo.GetCashuSendSwap(ctx, id)
	if err != nil {
		return err
	}
	if q.State != sendswap.StateDraft {
		return nil
	}
	mint, err := d.mints.forAccount(ctx, q.AccountID)
	if err != nil {
		return err
	}
	keys, err := keysetPublicKeys(ctx, mint, q.KeysetID)
	if err != nil {
		return err
	}
	tokenSwapper := tokenswap.NewEngine(d.tokenRepo, mint, d.ledger, d.keys)
	engine := sendswap.NewEngine(d.repo, mint, d.ledger, d.keys, tokenSwapper)
	settled, err := engine.SwapForProofsToSend(ctx, q, keys)
	if err != nil {
		return err
	}
	return d.proj.ProjectCashuSendSwap(ctx, settled)
}
