package lcd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
)

func TestClient_Balance_ParsesAmount(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cosmos/bank/v1beta1/balances/rebus1vault/by_denom" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("denom"); got != "urxp" {
			t.Errorf("denom: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance":{"denom":"urxp","amount":"123456789012345678901234567890"}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := c.Balance(ctx, "rebus1vault", "urxp")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got.Cmp(coin.MustParseAmount("123456789012345678901234567890")) != 0 {
		t.Fatalf("balance: got %s", got)
	}
}

func TestClient_Balance_MissingIsZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balance":null}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Balance(context.Background(), "rebus1vault", "urxp")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero balance, got %s", got)
	}
}

func TestClient_Balance_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("denom") {
		case "uatom":
			_, _ = w.Write([]byte(`{"balance":{"denom":"urxp","amount":"1"}}`))
		case "ubig":
			_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
		default:
			http.Error(w, "account not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithMaxResponseBytes(1024))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, err = c.Balance(ctx, "rebus1vault", "urxp")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if _, err := c.Balance(ctx, "rebus1vault", "uatom"); !errors.Is(err, ErrDenomMismatch) {
		t.Fatalf("expected ErrDenomMismatch, got %v", err)
	}
	if _, err := c.Balance(ctx, "rebus1vault", "ubig"); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "ftp://x", "not a url"} {
		if _, err := New(in); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("New(%q): expected ErrInvalidConfig, got %v", in, err)
		}
	}
}
