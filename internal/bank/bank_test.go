package bank

import (
	"context"
	"errors"
	"testing"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

func TestLedger_ExecuteInstructions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	if err := l.Deposit("vault", coin.New("urxp", coin.NewAmount(1000))); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	// Other denoms are held but invisible to a urxp timelock.
	if err := l.Deposit("vault", coin.New("uatom", coin.NewAmount(5))); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if err := l.Execute(ctx, "vault", "vault/1", timelock.Transfer("owner", coin.New("urxp", coin.NewAmount(400)))); err != nil {
		t.Fatalf("Execute transfer: %v", err)
	}
	if err := l.Execute(ctx, "vault", "vault/2", timelock.Burn(coin.New("urxp", coin.NewAmount(100)))); err != nil {
		t.Fatalf("Execute burn: %v", err)
	}

	assertBalance(t, l, "vault", "urxp", 500)
	assertBalance(t, l, "owner", "urxp", 400)
	assertBalance(t, l, "vault", "uatom", 5)

	err := l.Execute(ctx, "vault", "vault/3", timelock.Transfer("owner", coin.New("urxp", coin.NewAmount(501))))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertBalance(t, l, "vault", "urxp", 500)

	// Zero-amount instructions are no-ops.
	if err := l.Execute(ctx, "vault", "", timelock.Transfer("owner", coin.New("urxp", coin.Amount{}))); err != nil {
		t.Fatalf("Execute zero transfer: %v", err)
	}
}

func TestLedger_ExecuteIsIdempotentByRef(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLedger()
	if err := l.Deposit("vault", coin.New("urxp", coin.NewAmount(100))); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	ins := timelock.Transfer("owner", coin.New("urxp", coin.NewAmount(60)))
	for i := 0; i < 3; i++ {
		if err := l.Execute(ctx, "vault", "vault/7", ins); err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
	}
	assertBalance(t, l, "vault", "urxp", 40)
	assertBalance(t, l, "owner", "urxp", 60)

	// A failed instruction is not remembered.
	big := timelock.Transfer("owner", coin.New("urxp", coin.NewAmount(50)))
	if err := l.Execute(ctx, "vault", "vault/8", big); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.Deposit("vault", coin.New("urxp", coin.NewAmount(10))); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := l.Execute(ctx, "vault", "vault/8", big); err != nil {
		t.Fatalf("Execute after deposit: %v", err)
	}
	assertBalance(t, l, "vault", "urxp", 0)
}

func TestLedger_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	if _, err := l.Balance(context.Background(), "", "urxp"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := l.Execute(context.Background(), "vault", "", timelock.Instruction{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := l.Execute(context.Background(), "vault", "", timelock.Transfer(" ", coin.New("urxp", coin.NewAmount(1)))); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func assertBalance(t *testing.T, l *Ledger, account, denom string, want uint64) {
	t.Helper()

	got, err := l.Balance(context.Background(), account, denom)
	if err != nil {
		t.Fatalf("Balance(%s,%s): %v", account, denom, err)
	}
	if got.Cmp(coin.NewAmount(want)) != 0 {
		t.Fatalf("Balance(%s,%s): got %s want %d", account, denom, got, want)
	}
}
