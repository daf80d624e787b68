// Package exchangerate provides the BTC/fiat price feed the cross-mint
// receive bridge (§4.2 "Cross-mint bridge") uses to size a destination-mint
// quote from a source-mint token denominated in a different currency.
// Adapted from the teacher's internal/exchange.PriceProvider: scoped down
// to the two providers this repository actually drives (coinbase primary,
// coingecko fallback). Like the teacher's provider, every lookup is a fresh
// HTTP call; this package keeps no cache of rates.
package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agicash/walletcore/pkg/log"
)

// Provider fetches the current BTC spot price in fiatCurrency.
type Provider interface {
	GetPrice(ctx context.Context, fiatCurrency string) (float64, error)
}

type coinbase struct {
	httpClient *http.Client
	baseURL    string
}

type coingecko struct {
	httpClient *http.Client
	baseURL    string
}

const (
	coinbaseBaseURL  = "https://api.coinbase.com"
	coingeckoBaseURL = "https://api.coingecko.com"
)

type coinbasePriceResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

type coingeckoPriceResponse map[string]map[string]float64

// NewCoinbase and NewCoingecko build providers against production
// endpoints. A non-nil httpClient overrides the default 10s-timeout client,
// for tests pointed at a local fixture server.
func NewCoinbase(httpClient *http.Client) Provider {
	return &coinbase{httpClient: withDefault(httpClient), baseURL: coinbaseBaseURL}
}

func NewCoingecko(httpClient *http.Client) Provider {
	return &coingecko{httpClient: withDefault(httpClient), baseURL: coingeckoBaseURL}
}

func withDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *coinbase) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	fiatCurrency = strings.ToUpper(fiatCurrency)
	url := fmt.Sprintf("%s/v2/prices/BTC-%s/spot", c.baseURL, fiatCurrency)

	var resp coinbasePriceResponse
	if err := fetchJSON(ctx, c.httpClient, url, &resp); err != nil {
		return 0, fmt.Errorf("exchangerate: coinbase: %w", err)
	}

	amount, err := strconv.ParseFloat(resp.Data.Amount, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("exchangerate: coinbase: invalid price %q", resp.Data.Amount)
	}
	return amount, nil
}

func (c *coingecko) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	fiatCurrency = strings.ToLower(fiatCurrency)
	url := fmt.Sprintf("%s/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", c.baseURL, fiatCurrency)

	var resp coingeckoPriceResponse
	if err := fetchJSON(ctx, c.httpClient, url, &resp); err != nil {
		return 0, fmt.Errorf("exchangerate: coingecko: %w", err)
	}
	btc, ok := resp["bitcoin"]
	if !ok {
		return 0, fmt.Errorf("exchangerate: coingecko: no bitcoin entry in response")
	}
	amount, ok := btc[fiatCurrency]
	if !ok || amount <= 0 {
		return 0, fmt.Errorf("exchangerate: coingecko: currency %s not found", fiatCurrency)
	}
	return amount, nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// FallbackProvider tries each Provider in order, logging and continuing past
// failures, the same primary/fallback shape as the teacher's NewProvider
// switch but expressed as composition instead of a provider-name string.
type FallbackProvider struct {
	providers []Provider
}

func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	return &FallbackProvider{providers: providers}
}

func (f *FallbackProvider) GetPrice(ctx context.Context, fiatCurrency string) (float64, error) {
	var lastErr error
	for _, p := range f.providers {
		price, err := p.GetPrice(ctx, fiatCurrency)
		if err == nil {
			return price, nil
		}
		lastErr = err
		log.Warn("exchangerate: provider failed, trying next", zap.Error(err))
	}
	return 0, fmt.Errorf("exchangerate: all providers failed: %w", lastErr)
}
