// Package polymarket implements the REST client for the Polymarket CLOB
// (Central Limit Order Book) API: order submission, cancellation, status
// queries, and book snapshots.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Shmuel18/my-poly-bots/internal/crypto"
	"github.com/Shmuel18/my-poly-bots/internal/domain"
)

// priceScale converts display prices/sizes to the integer base units the
// exchange contract expects.
const priceScale = 1e6

// ClobClient talks to the CLOB REST API. It signs orders with the EIP-712
// signer and authenticates requests with derived HMAC credentials.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a CLOB client for the given API root, e.g.
// "https://clob.polymarket.com".
func NewClobClient(baseURL string, signer *crypto.Signer) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: signer,
	}
}

// DeriveAPIKey performs the L1 auth flow to obtain HMAC credentials for all
// subsequent requests. Must succeed before any order can be submitted.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()

	sig, err := c.signer.SignAuthMessage(timestamp, 0)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
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
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: derive api key (HTTP %d): %w: %s",
			resp.StatusCode, domain.ErrUnauthorized, string(body))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	return nil
}

// PostOrder signs and submits one order, returning the raw fill report.
// Explicit rejections come back with Rejected=true and a nil error;
// transport and auth failures are returned as errors.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.Order) (domain.ExchangeFill, error) {
	if c.hmacAuth == nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: post order: %w", domain.ErrUnauthorized)
	}

	payload, err := c.buildPayload(order)
	if err != nil {
		return domain.ExchangeFill{}, err
	}
	signature, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          string(order.Side),
			"signatureType": payload.SignatureType,
			"signature":     signature,
		},
		"owner":     c.hmacAuth.Key,
		"orderType": string(order.Type),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	return c.toFill(order, apiResult), nil
}

// toFill interprets a POST /order response against the submitted order.
func (c *ClobClient) toFill(order domain.Order, r APIOrderResult) domain.ExchangeFill {
	fill := domain.ExchangeFill{
		OrderID: r.OrderID,
		Message: r.ErrorMsg,
	}
	if !r.Success {
		fill.Rejected = true
		if fill.Message == "" {
			fill.Message = r.Status
		}
		return fill
	}

	making, _ := strconv.ParseFloat(r.MakingAmount, 64)
	taking, _ := strconv.ParseFloat(r.TakingAmount, 64)

	switch {
	case order.Side == domain.OrderSideBuy && taking > 0:
		// Buyer gives USDC (making), receives tokens (taking).
		fill.FilledSize = taking
		fill.AvgPrice = making / taking
	case order.Side == domain.OrderSideSell && making > 0:
		// Seller gives tokens (making), receives USDC (taking).
		fill.FilledSize = making
		fill.AvgPrice = taking / making
	case r.Status == "matched":
		// Fully matched but no amounts reported; assume the limit price.
		fill.FilledSize = order.Size
		fill.AvgPrice = order.LimitPrice
	}
	if fill.Message == "" {
		fill.Message = r.Status
	}
	return fill
}

// GetOrderFill queries the resting state of an order. Used to resolve
// submissions whose outcome is unknown (timeouts).
func (c *ClobClient) GetOrderFill(ctx context.Context, orderID string) (domain.ExchangeFill, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/order/"+orderID, nil)
	if err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.ExchangeFill{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return apiOrder.ToFill(), nil
}

// CancelOrder cancels a resting order by ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", map[string]any{
		"orderID": orderID,
	})
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

// GetBook fetches the current book for a token and reduces it to a tick.
// The book endpoint is public; no HMAC headers are required.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (domain.PriceTick, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/book?token_id="+tokenID, nil)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("polymarket/clob: create book request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("polymarket/clob: read book response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return domain.PriceTick{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.PriceTick{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	tick := book.ToTick()
	if tick.TokenID == "" {
		tick.TokenID = tokenID
	}
	return tick, nil
}

// buildPayload converts a display-priced order into the fixed-point EIP-712
// payload. Buy orders offer USDC for tokens; sell orders the reverse.
func (c *ClobClient) buildPayload(order domain.Order) (crypto.OrderPayload, error) {
	if order.Size <= 0 || order.LimitPrice <= 0 || order.LimitPrice >= 1 {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: %w: size=%v price=%v",
			domain.ErrInvalidOrder, order.Size, order.LimitPrice)
	}

	tokenUnits := int64(math.Round(order.Size * priceScale))
	usdcUnits := int64(math.Round(order.Size * order.LimitPrice * priceScale))

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         c.signer.Address().Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: 0,
	}
	if order.Side == domain.OrderSideBuy {
		payload.Side = 0
		payload.MakerAmount = strconv.FormatInt(usdcUnits, 10)
		payload.TakerAmount = strconv.FormatInt(tokenUnits, 10)
	} else {
		payload.Side = 1
		payload.MakerAmount = strconv.FormatInt(tokenUnits, 10)
		payload.TakerAmount = strconv.FormatInt(usdcUnits, 10)
	}
	return payload, nil
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads a request
// against the CLOB API, returning the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
			req.Header.Set(k, v)
		}
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

// checkHTTPStatus maps non-2xx status codes to domain errors.
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
