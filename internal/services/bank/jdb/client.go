package jdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"festival-booking/internal/status"

	"github.com/shopspring/decimal"
)

const (
	pathAuthenticate     = "/api/pro/dynamic/autenticate"
	pathGenerateQR       = "/api/pro/dynamic/generateQr"
	pathCheckTransaction = "/api/pro/dynamic/checkTransaction"
)

var errUnauthorized = errors.New("jdb: 401 unauthorized")

type ClientConfig struct {
	BaseURL   string
	PartnerID string
	ClientID  string
	ClientKey string
	HMACKey   string
	Timeout   time.Duration
}

type Client struct {
	baseURL   string
	partnerID string
	clientID  string
	clientKey string
	hmacKey   string

	mu          sync.Mutex
	accessToken string

	// toggleTokenRefresher asks the refresher loop to renew the token early.
	toggleTokenRefresher chan struct{}

	hc *http.Client
}

func newClient(c *ClientConfig) *Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:              strings.TrimRight(c.BaseURL, "/"),
		partnerID:            c.PartnerID,
		clientID:             c.ClientID,
		clientKey:            c.ClientKey,
		hmacKey:              c.HMACKey,
		toggleTokenRefresher: make(chan struct{}, 1),
		hc:                   &http.Client{Timeout: timeout},
	}
}

// refreshAccessToken renews the token every interval, or sooner when a
// request came back unauthorized, backing off exponentially on failure.
func (c *Client) refreshAccessToken(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.toggleTokenRefresher:
			slog.Info("jdb: access token rejected, refreshing")
		}

		backOff := time.Second
	Retry:
		for {
			token, err := c.connect(ctx)
			if err == nil {
				c.setAccessToken(token)
				break Retry
			}
			slog.Error("jdb: refresh access token", "error", err, "retry_in", backOff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backOff):
				if backOff < time.Minute {
					backOff *= 2
				}
			}
		}
	}
}

func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

type reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do posts a signed JSON body to path and decodes the envelope.
func (c *Client) do(ctx context.Context, path string, body any, authorized bool) (*reply, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("jdb %s: marshal: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("jdb %s: new request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SignedHash", Hmac256(raw, []byte(c.hmacKey)))
	if authorized {
		req.Header.Set("Authorization", c.getAccessToken())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jdb %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		select {
		case c.toggleTokenRefresher <- struct{}{}:
		default:
		}
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jdb %s: http status %d", path, resp.StatusCode)
	}

	var r reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("jdb %s: decode: %w", path, err)
	}
	return &r, nil
}

// connect authenticates and returns the Authorization header value.
func (c *Client) connect(ctx context.Context) (string, error) {
	number, err := randomNumber()
	if err != nil {
		return "", fmt.Errorf("jdb connect: %w", err)
	}

	r, err := c.do(ctx, pathAuthenticate, map[string]string{
		"requestId":   number,
		"partnerId":   c.partnerID,
		"clientId":    c.clientID,
		"clientScret": c.clientKey,
	}, false)
	if err != nil {
		return "", err
	}
	if r.Status != "OK" {
		return "", fmt.Errorf("jdb connect: status %s: %s", r.Status, r.Message)
	}

	var data struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return "", fmt.Errorf("jdb connect: decode token: %w", err)
	}
	return fmt.Sprintf("%s %s", data.TokenType, data.AccessToken), nil
}

type qrForm struct {
	BillNumber    string
	MerchantID    string
	TerminalID    string
	TerminalLabel string
	Phone         string
	Amount        decimal.Decimal
}

// generateQR opens a dynamic QR payment and returns its EMV payload.
func (c *Client) generateQR(ctx context.Context, f *qrForm) (string, error) {
	number, err := randomNumber()
	if err != nil {
		return "", fmt.Errorf("jdb generateQr: %w", err)
	}

	r, err := c.do(ctx, pathGenerateQR, map[string]any{
		"requestId":     number,
		"partnerId":     c.partnerID,
		"txnAmount":     json.Number(f.Amount.String()),
		"mechantId":     f.MerchantID,
		"billNumber":    f.BillNumber,
		"terminalId":    f.TerminalID,
		"terminalLabel": f.TerminalLabel,
		"mobileNo":      f.Phone,
	}, true)
	if err != nil {
		return "", err
	}
	if r.Status != "OK" {
		return "", fmt.Errorf("jdb generateQr: status %s: %s", r.Status, r.Message)
	}

	var data struct {
		MerchantID string `json:"mcid"`
		EmvCode    string `json:"emv"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return "", fmt.Errorf("jdb generateQr: decode: %w", err)
	}
	return data.EmvCode, nil
}

// checkTransaction looks up the payment of a bill. A bill nobody has paid
// yet is reported as status.ErrFailedPayment.
func (c *Client) checkTransaction(ctx context.Context, billNumber string) (*status.Settlement, error) {
	number, err := randomNumber()
	if err != nil {
		return nil, fmt.Errorf("jdb checkTransaction: %w", err)
	}

	r, err := c.do(ctx, pathCheckTransaction, map[string]string{
		"requestId":  number,
		"billNumber": billNumber,
	}, true)
	if err != nil {
		return nil, err
	}
	if r.Status == "NOT_FOUND" {
		return nil, status.ErrFailedPayment
	}
	if r.Status != "OK" {
		return nil, fmt.Errorf("jdb checkTransaction: status %s: %s", r.Status, r.Message)
	}

	var p payload
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return nil, fmt.Errorf("jdb checkTransaction: decode: %w", err)
	}
	return p.ToSettlement()
}
