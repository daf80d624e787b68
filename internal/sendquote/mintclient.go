package sendquote

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"

	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/money"
	"github.com/agicash/walletcore/internal/sparkclient"
)

// MintClient is the subset of internal/mintclient.Client the Send Quote
// Engine drives: a melt quote, an optional pre-melt swap to split reserved
// proofs into exact-amount-to-spend plus change, and the idempotent melt
// call itself. Restore and GetKeysetByID are part of the interface; the
// engine does not call them.
type MintClient interface {
	CreateMeltQuote(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	CheckMeltQuote(ctx context.Context, quoteID string) (*nut05.PostMeltQuoteBolt11Response, error)
	MeltProofsIdempotent(ctx context.Context, req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
	GetKeysetByID(ctx context.Context, id string) (*nut01.GetKeysResponse, error)
}

type SparkClient interface {
	PayInvoice(ctx context.Context, req sparkclient.PayInvoiceRequest) (*sparkclient.PayInvoiceResponse, error)
}

type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount money.Money, inputFeePpk uint, spendingKind, spendingID string) ([]ledger.CashuProof, money.Money, error)
	Release(ctx context.Context, spendingKind, spendingID string) error
	Consume(ctx context.Context, spendingKind, spendingID string) error
	ProofsForSpendingRecord(ctx context.Context, spendingKind, spendingID string) ([]ledger.CashuProof, error)
	AllocateKeysetRange(ctx context.Context, accountID, keysetID string, count uint32) (firstIndex uint32, err error)
	InsertProofs(ctx context.Context, proofs []ledger.CashuProof) error
}

type KeyProvider interface {
	MasterKey(ctx context.Context, userID string) (*hdkeychain.ExtendedKey, error)
}
