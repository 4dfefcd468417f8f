package polymarket

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aubit/spreadbot/internal/crypto"
	"github.com/aubit/spreadbot/internal/domain"
)

// usdcScale converts human-readable amounts to 6-decimal USDC base units.
const usdcScale = 1e6

// ClobClient places and queries orders on the CLOB REST API, e.g.
// "https://clob.polymarket.com". Orders are EIP-712 signed; authenticated
// requests carry HMAC headers derived via DeriveCreds.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	creds      *crypto.APICreds
}

// NewClobClient creates a CLOB client. creds may be nil when the caller will
// run DeriveCreds before the first authenticated request.
func NewClobClient(baseURL string, signer *crypto.Signer, creds *crypto.APICreds) *ClobClient {
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		creds:      creds,
	}
}

// DeriveCreds runs the L1 auth flow: sign a ClobAuth message and exchange it
// for HMAC API credentials at /auth/derive-api-key.
func (c *ClobClient) DeriveCreds(ctx context.Context) error {
	timestamp := time.Now().Unix()

	sig, err := c.signer.SignAuth(timestamp, 0)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return fmt.Errorf("polymarket/clob: derive creds: %w", err)
	}

	var out struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.creds = &crypto.APICreds{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	return nil
}

// Place signs and submits a marketable limit order. The order salt is
// derived from the submission's client order id, so a retried submission
// signs to the same order and the exchange deduplicates it.
func (c *ClobClient) Place(ctx context.Context, sub domain.OrderSubmission) (domain.OrderAck, error) {
	if sub.Price <= 0 || sub.Size <= 0 {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: %w: price=%v size=%v", domain.ErrInvalidOrder, sub.Price, sub.Size)
	}

	order := crypto.SignableOrder{
		Salt:          orderSalt(sub.ClientOrderID),
		Maker:         c.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       sub.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: 0,
	}
	switch sub.Action {
	case domain.TradeActionBuy:
		order.Side = crypto.OrderSideBuy
		order.MakerAmount = usdcUnits(sub.Price * sub.Size)
		order.TakerAmount = usdcUnits(sub.Size)
	case domain.TradeActionSell:
		order.Side = crypto.OrderSideSell
		order.MakerAmount = usdcUnits(sub.Size)
		order.TakerAmount = usdcUnits(sub.Price * sub.Size)
	default:
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: %w: action %q", domain.ErrInvalidOrder, sub.Action)
	}

	sig, err := c.signer.SignOrder(order)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	side := "BUY"
	if sub.Action == domain.TradeActionSell {
		side = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          order.Salt,
			"tokenID":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"side":          side,
			"feeRateBps":    order.FeeRateBps,
			"nonce":         order.Nonce,
			"expiration":    order.Expiration,
			"signatureType": order.SignatureType,
			"signature":     sig,
			"maker":         order.Maker,
			"signer":        order.Maker,
			"taker":         order.Taker,
		},
		"owner":     order.Maker,
		"orderType": "FAK",
	}

	respBody, err := c.doAuthed(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result apiOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}

	// The placement response carries no matched amounts, and a "matched"
	// status can hide a partial FAK match. Callers read the authoritative
	// fill back via Status.
	return domain.OrderAck{OrderID: result.OrderID}, nil
}

// Status returns the current fill state of an order, for reconciling legs
// that did not match immediately.
func (c *ClobClient) Status(ctx context.Context, orderID string) (domain.OrderAck, error) {
	respBody, err := c.doAuthed(ctx, http.MethodGet, "/order/"+orderID, nil)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var o apiOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	ack := domain.OrderAck{OrderID: o.ID}
	ack.FilledSize, _ = strconv.ParseFloat(o.SizeMatched, 64)
	ack.FilledPrice, _ = strconv.ParseFloat(o.Price, 64)
	return ack, nil
}

// Cancel cancels a resting order.
func (c *ClobClient) Cancel(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthed(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// doAuthed builds, signs, and sends an authenticated request, returning the
// raw response body.
func (c *ClobClient) doAuthed(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(data)
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.creds == nil {
		return nil, fmt.Errorf("%w: no API credentials (run DeriveCreds)", domain.ErrUnauthorized)
	}
	for k, v := range c.creds.RequestHeaders(c.signer.Address().Hex(), method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// orderSalt maps a client order id onto a deterministic uint64 salt.
func orderSalt(clientOrderID string) string {
	sum := sha256.Sum256([]byte(clientOrderID))
	return strconv.FormatUint(binary.BigEndian.Uint64(sum[:8]), 10)
}

// usdcUnits renders a dollar amount as integer USDC base units.
func usdcUnits(amount float64) string {
	return strconv.FormatInt(int64(math.Round(amount*usdcScale)), 10)
}

// checkHTTPStatus maps non-2xx responses onto domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}
