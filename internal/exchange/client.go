package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ValoraRamp/internal/models"
	"ValoraRamp/internal/pricing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound    = errors.New("not found")
	// ErrBadResponse marks a 2xx answer whose body could not be decoded.
	ErrBadResponse = errors.New("unexpected response shape")
)

// APIError is a non-2xx answer from the exchange backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exchange http status %d", e.Status)
	}
	return fmt.Sprintf("exchange http status %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type Config struct {
	BaseURL           string
	Secret            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BankCacheTTL      time.Duration
}

// Client talks to the Bitmama enterprise API.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	bankTTL   time.Duration
	bankMu    sync.Mutex
	bankCache map[string]bankEntry
	bankGroup singleflight.Group
}

type bankEntry struct {
	banks   []Bank
	fetched time.Time
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	ttl := cfg.BankCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/") + "/v1/",
		secret:    cfg.Secret,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		log:       log.With().Str("component", "exchange").Logger(),
		bankTTL:   ttl,
		bankCache: map[string]bankEntry{},
	}
}

// Rate implements pricing.RateSource.
func (c *Client) Rate(ctx context.Context, token models.Token, fiat models.Fiat) (pricing.Rate, error) {
	q := url.Values{}
	q.Set("ticker", token.RateTicker()+string(fiat))
	var out pricing.Rate
	if err := c.do(ctx, http.MethodGet, "rate", q, nil, &out); err != nil {
		return pricing.Rate{}, err
	}
	return out, nil
}

type Bank struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Banks lists banks for a country code ("ng", "gh"). Results are cached and
// concurrent misses share one request.
func (c *Client) Banks(ctx context.Context, country string) ([]Bank, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	c.bankMu.Lock()
	entry, ok := c.bankCache[country]
	c.bankMu.Unlock()
	if ok && time.Since(entry.fetched) < c.bankTTL {
		return entry.banks, nil
	}

	v, err, _ := c.bankGroup.Do(country, func() (any, error) {
		var out struct {
			Data []Bank `json:"data"`
		}
		if err := c.do(ctx, http.MethodGet, "banks/"+url.PathEscape(country), nil, nil, &out); err != nil {
			return nil, err
		}
		c.bankMu.Lock()
		c.bankCache[country] = bankEntry{banks: out.Data, fetched: time.Now()}
		c.bankMu.Unlock()
		return out.Data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Bank), nil
}

type AccountDetail struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

func (c *Client) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (AccountDetail, error) {
	body := map[string]string{"accountNumber": accountNumber, "bankCode": bankCode}
	var out struct {
		Data AccountDetail `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "banks/resolve", nil, body, &out); err != nil {
		return AccountDetail{}, err
	}
	return out.Data, nil
}

func (c *Client) CreateBuy(ctx context.Context, intent BuyIntent) (*OrderSnapshot, error) {
	var out OrderSnapshot
	if err := c.do(ctx, http.MethodPost, "valora/buy", nil, intent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConfirmBuy(ctx context.Context, reference string) (*OrderSnapshot, error) {
	return c.orderAction(ctx, "valora/buy/confirm", "transactionRef", reference)
}

func (c *Client) CancelBuy(ctx context.Context, reference string) (*OrderSnapshot, error) {
	return c.orderAction(ctx, "valora/buy/cancel", "transactionRef", reference)
}

// GetBuy looks an order up by reference. A missing order yields an error
// matching ErrNotFound.
func (c *Client) GetBuy(ctx context.Context, reference string) (*OrderSnapshot, error) {
	return c.orderAction(ctx, "valora/buy", "ref", reference)
}

func (c *Client) CompleteWithdraw(ctx context.Context, payload WithdrawCompletion) (*OrderSnapshot, error) {
	var out OrderSnapshot
	if err := c.do(ctx, http.MethodPost, "valora", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) orderAction(ctx context.Context, path, param, reference string) (*OrderSnapshot, error) {
	q := url.Values{}
	q.Set(param, reference)
	var out OrderSnapshot
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type envelope struct {
	Message json.RawMessage `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "X-ENTERPRISE-TOKEN "+c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("exchange request")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, path, err)
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return fmt.Errorf("%w: %s: missing message", ErrBadResponse, path)
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		return fmt.Errorf("%w: %s message: %v", ErrBadResponse, path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var env struct {
		Message any `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if s, ok := env.Message.(string); ok {
			return s
		}
	}
	return strings.TrimSpace(string(raw))
}
