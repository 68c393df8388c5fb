// Package lcd queries balances from a Cosmos SDK REST (LCD) endpoint.
package lcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
)

var (
	ErrInvalidConfig    = errors.New("lcd: invalid config")
	ErrResponseTooLarge = errors.New("lcd: response too large")
	ErrDenomMismatch    = errors.New("lcd: denom mismatch")
)

// StatusError is a non-200 answer from the endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lcd: http status %d: %s", e.Code, e.Message)
}

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client implements bank.Bank against /cosmos/bank/v1beta1.
type Client struct {
	base         *url.URL
	hc           *http.Client
	maxRespBytes int64
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, baseURL)
	}
	c := &Client{
		base:         u,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type balanceResponse struct {
	Balance *struct {
		Denom  string `json:"denom"`
		Amount string `json:"amount"`
	} `json:"balance"`
}

func (c *Client) Balance(ctx context.Context, account, denom string) (coin.Amount, error) {
	account = strings.TrimSpace(account)
	denom = strings.TrimSpace(denom)
	if account == "" || denom == "" {
		return coin.Amount{}, fmt.Errorf("%w: account and denom are required", ErrInvalidConfig)
	}

	u := c.base.JoinPath("cosmos", "bank", "v1beta1", "balances", account, "by_denom")
	q := u.Query()
	q.Set("denom", denom)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return coin.Amount{}, fmt.Errorf("lcd: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return coin.Amount{}, fmt.Errorf("lcd: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return coin.Amount{}, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return coin.Amount{}, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	var br balanceResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return coin.Amount{}, fmt.Errorf("lcd: unmarshal response: %w", err)
	}
	// The bank module omits the balance for accounts that never held the denom.
	if br.Balance == nil {
		return coin.Amount{}, nil
	}
	if br.Balance.Denom != "" && br.Balance.Denom != denom {
		return coin.Amount{}, fmt.Errorf("%w: got %q want %q", ErrDenomMismatch, br.Balance.Denom, denom)
	}
	if strings.TrimSpace(br.Balance.Amount) == "" {
		return coin.Amount{}, nil
	}
	amt, err := coin.ParseAmount(br.Balance.Amount)
	if err != nil {
		return coin.Amount{}, fmt.Errorf("lcd: parse amount: %w", err)
	}
	return amt, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("lcd: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
