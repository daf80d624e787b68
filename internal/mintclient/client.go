// Package mintclient is the Cashu mint REST adapter (§6: "Mint wire
// protocol"). It is grounded on elnosh-gonuts/wallet/client.go — same
// endpoints, same NUT wire types (github.com/elnosh/gonuts/cashu and its
// nut0X request/response structs) — generalized from that package's
// free-function, context-less style into a struct-based client that carries
// a base URL, a context-aware *http.Client, and translates wire-level
// cashu.Error responses into internal/domainerr.MintOperationError so
// engines never import the wire package's error type directly.
package mintclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut02"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut06"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"
	"github.com/elnosh/gonuts/cashu/nuts/nut09"

	"github.com/agicash/walletcore/internal/domainerr"
)

// DefaultTimeout is the mint-info/keyset race timer from §5: "Mint info +
// keyset fetches race a 10-second timer."
const DefaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

func New(mintURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: mintURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetMintInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var out nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var out nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetKeysetByID(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var out nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var out nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMintQuote requests a mint quote (§4.2 GetLightningQuote), posting
// the nut04 request as given. Its only caller, receivequote's
// GetLightningQuote, sends Amount and Unit; no locking pubkey goes with the
// request, so the mint does not lock the quote to a key.
func (c *Client) CreateMintQuote(ctx context.Context, req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {
	var out nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckMintQuote(ctx context.Context, quoteID string) (*nut04.PostMintQuoteBolt11Response, error) {
	var out nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+quoteID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MintProofs invokes NUT-04's mint endpoint, signed over the quote by the
// caller (outputs already blinded). On domainerr.MintErrQuoteAlreadyIssued
// or MintErrOutputAlreadySigned the caller is expected to fall back to
// Restore over the same (keysetId, counter, len(outputs)) range (§4.2).
func (c *Client) MintProofs(ctx context.Context, req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	var out nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var out nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateMeltQuote(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	var out nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckMeltQuote(ctx context.Context, quoteID string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var out nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, "/v1/melt/quote/bolt11/"+quoteID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MeltProofsIdempotent posts a melt request keyed by the mint-side melt
// quote id, which the cross-mint bridge (§4.2 "invoked idempotently") reuses
// verbatim across retries so a repeated call never burns proofs twice.
func (c *Client) MeltProofsIdempotent(ctx context.Context, req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	var out nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckProofState(ctx context.Context, req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	var out nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Restore drives NUT-9 deterministic recovery: re-derives the same blinded
// outputs for a known (keysetId, counter, length) range and asks the mint to
// return whichever of them it already has signatures for.
func (c *Client) Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	var out nut09.PostRestoreResponse
	if err := c.post(ctx, "/v1/restore", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mintclient: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mintclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mintclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domainerr.ErrNetworkTimeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mintclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var wireErr cashu.Error
		if jsonErr := json.Unmarshal(body, &wireErr); jsonErr != nil {
			return fmt.Errorf("mintclient: decode mint error: %w", jsonErr)
		}
		return &domainerr.MintOperationError{Code: domainerr.MintErrCode(wireErr.Code), Message: wireErr.Detail}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mintclient: unexpected status %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mintclient: decode response: %w", err)
	}
	return nil
}
