package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// GammaClient is the REST client for the Gamma discovery API, e.g.
// "https://gamma-api.polymarket.com".
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a Gamma API client.
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListOpenMarkets returns one page of active, unresolved markets. Markets
// that do not carry a usable YES/NO token pair are dropped.
func (g *GammaClient) ListOpenMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("active", "true")
	params.Set("closed", "false")

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list markets: %w", err)
	}

	var apiMarkets []apiMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		if m, ok := apiMarkets[i].toDomainMarket(); ok {
			markets = append(markets, m)
		}
	}
	return markets, nil
}

// GetMarket returns a single market by id.
func (g *GammaClient) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	body, err := g.doGet(ctx, "/markets/"+url.PathEscape(id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", id, err)
	}

	var am apiMarket
	if err := json.Unmarshal(body, &am); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	m, ok := am.toDomainMarket()
	if !ok {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s: no YES/NO token pair", id)
	}
	return m, nil
}

// Resolution holds a market's settlement state.
type Resolution struct {
	Closed bool
	YesWon bool // meaningful only when Closed
}

// GetResolution fetches a market's settlement state. The settlement sweep
// uses it to credit resolved positions.
func (g *GammaClient) GetResolution(ctx context.Context, marketID string) (Resolution, error) {
	body, err := g.doGet(ctx, "/markets/"+url.PathEscape(marketID))
	if err != nil {
		return Resolution{}, fmt.Errorf("polymarket/gamma: get market %s: %w", marketID, err)
	}

	var am struct {
		Closed bool   `json:"closed"`
		Tokens []struct {
			Outcome string `json:"outcome"`
			Winner  bool   `json:"winner"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(body, &am); err != nil {
		return Resolution{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}

	res := Resolution{Closed: am.Closed}
	for _, t := range am.Tokens {
		if t.Winner && t.Outcome == "Yes" {
			res.YesWon = true
			break
		}
	}
	return res, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
