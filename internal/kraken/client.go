package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	fillPageSize = 100
	maxFillPages = 50
)

// ErrRateLimited marks a 429 from the exchange. Callers skip the user and
// retry on the next scheduled pass.
var ErrRateLimited = errors.New("exchange rate limit exceeded")

// Gateway defines the exchange operations the platform needs. Order
// execution belongs to the subscriber agents and is deliberately absent.
type Gateway interface {
	AccountBalance(ctx context.Context) (decimal.Decimal, error)
	FillsSince(ctx context.Context, since time.Time) ([]Fill, error)
}

// Client is an authenticated Kraken Futures REST client for one user's
// credentials
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Kraken Futures client
func NewClient(apiKey, apiSecret, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// accountsResponse mirrors GET /api/v3/accounts
type accountsResponse struct {
	Result   string                 `json:"result"`
	Error    string                 `json:"error"`
	Accounts map[string]wireAccount `json:"accounts"`
}

type wireAccount struct {
	Type           string  `json:"type"`
	PortfolioValue float64 `json:"portfolioValue"`
	BalanceValue   float64 `json:"balanceValue"`
}

// fillsResponse mirrors GET /api/v3/fills
type fillsResponse struct {
	Result string     `json:"result"`
	Error  string     `json:"error"`
	Fills  []wireFill `json:"fills"`
}

type wireFill struct {
	FillID   string  `json:"fill_id"`
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Size     float64 `json:"size"`
	Price    float64 `json:"price"`
	FillType string  `json:"fillType"`
	FillTime string  `json:"fillTime"`
}

// AccountBalance returns the account's total portfolio value in USD. The
// multi-collateral wallet reports it directly; isolated accounts are summed.
func (c *Client) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.signedGet(ctx, "/api/v3/accounts", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error fetching accounts: %w", err)
	}

	var resp accountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("error parsing accounts: %w", err)
	}
	if resp.Result != "success" {
		return decimal.Zero, fmt.Errorf("accounts request rejected: %s", resp.Error)
	}

	if flex, ok := resp.Accounts["flex"]; ok {
		return decimal.NewFromFloat(flex.PortfolioValue), nil
	}

	total := decimal.Zero
	for _, acct := range resp.Accounts {
		total = total.Add(decimal.NewFromFloat(acct.PortfolioValue))
	}
	return total, nil
}

// FillsSince retrieves all fills executed at or after the given time,
// paging backward through the fill log (newest first) until the window is
// covered.
func (c *Client) FillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	var all []Fill
	seen := make(map[string]struct{})
	var cursor time.Time

	for page := 0; page < maxFillPages; page++ {
		params := url.Values{}
		if !cursor.IsZero() {
			params.Set("lastFillTime", cursor.UTC().Format(time.RFC3339))
		}

		body, err := c.signedGet(ctx, "/api/v3/fills", params)
		if err != nil {
			return nil, fmt.Errorf("error fetching fills: %w", err)
		}

		var resp fillsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("error parsing fills: %w", err)
		}
		if resp.Result != "success" {
			return nil, fmt.Errorf("fills request rejected: %s", resp.Error)
		}
		if len(resp.Fills) == 0 {
			break
		}

		for _, wf := range resp.Fills {
			fill, err := wf.toFill()
			if err != nil {
				return nil, err
			}
			if fill.FillTime.Before(since) {
				// Pages run newest first, so everything after this is older
				return all, nil
			}
			if _, dup := seen[fill.FillID]; dup {
				continue
			}
			seen[fill.FillID] = struct{}{}
			all = append(all, fill)
			cursor = fill.FillTime
		}

		if len(resp.Fills) < fillPageSize {
			break
		}
	}

	return all, nil
}

func (wf wireFill) toFill() (Fill, error) {
	fillTime, err := time.Parse(time.RFC3339, wf.FillTime)
	if err != nil {
		return Fill{}, fmt.Errorf("error parsing fill time %q: %w", wf.FillTime, err)
	}
	return Fill{
		FillID:   wf.FillID,
		OrderID:  wf.OrderID,
		Symbol:   wf.Symbol,
		Side:     wf.Side,
		Price:    decimal.NewFromFloat(wf.Price),
		Size:     decimal.NewFromFloat(wf.Size),
		FillType: wf.FillType,
		FillTime: fillTime.UTC(),
	}, nil
}

// signedGet performs an authenticated GET against the derivatives API
func (c *Client) signedGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	postData := ""
	if params != nil {
		postData = params.Encode()
	}

	endpoint := c.baseURL + "/derivatives" + path
	if postData != "" {
		endpoint += "?" + postData
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	authent, err := c.sign(postData, nonce, path)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APIKey", c.apiKey)
	req.Header.Set("Nonce", nonce)
	req.Header.Set("Authent", authent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

// sign builds the Authent header: base64(HMAC-SHA512 over
// SHA256(postData + nonce + path), keyed with the base64-decoded secret)
func (c *Client) sign(postData, nonce, path string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("invalid api secret encoding: %w", err)
	}

	digest := sha256.Sum256([]byte(postData + nonce + path))
	mac := hmac.New(sha512.New, secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

var _ Gateway = (*Client)(nil)
