package timelock

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
)

func TestParseExecuteMsg(t *testing.T) {
	t.Parallel()

	m, err := ParseExecuteMsg([]byte(`{"start_withdraw":{}}`))
	if err != nil {
		t.Fatalf("ParseExecuteMsg: %v", err)
	}
	if name, _ := m.Name(); name != ActionStartWithdraw {
		t.Fatalf("name: got %q", name)
	}

	for _, bad := range []string{
		`{}`,
		`{"start_withdraw":{},"execute_withdraw":{}}`,
		`{"execute_burn":{}}`,
		`{"start_withdraw":{}} {}`,
		`[]`,
	} {
		if _, err := ParseExecuteMsg([]byte(bad)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("ParseExecuteMsg(%s): expected ErrInvalidMessage, got %v", bad, err)
		}
	}
}

func TestParseSudoMsg_ExecuteSend(t *testing.T) {
	t.Parallel()

	m, err := ParseSudoMsg([]byte(`{"execute_send":{"recipient":"addr2","amount":"340282366920938463463374607431768211455"}}`))
	if err != nil {
		t.Fatalf("ParseSudoMsg: %v", err)
	}
	if m.ExecuteSend == nil || m.ExecuteSend.Recipient != "addr2" {
		t.Fatalf("unexpected msg: %+v", m)
	}
	if m.ExecuteSend.Amount.Cmp(coin.MustParseAmount("340282366920938463463374607431768211455")) != 0 {
		t.Fatalf("amount: got %s", m.ExecuteSend.Amount)
	}

	if _, err := ParseSudoMsg([]byte(`{"execute_send":{"recipient":"addr2","amount":"340282366920938463463374607431768211456"}}`)); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestParseQueryMsg(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`{"get_config":{}}`, `{"get_withdrawal_ready_time":{}}`, `{"is_withdrawal_ready":{}}`} {
		if _, err := ParseQueryMsg([]byte(in)); err != nil {
			t.Fatalf("ParseQueryMsg(%s): %v", in, err)
		}
	}
}

func TestResponses_JSONShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(WithdrawalTimestampResponse{WithdrawalReadyTimestamp: Timestamp{Time: time.Unix(604800, 0)}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"withdrawal_ready_timestamp":"604800000000000"}` {
		t.Fatalf("unexpected json: %s", b)
	}

	var ts WithdrawalTimestampResponse
	if err := json.Unmarshal(b, &ts); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ts.WithdrawalReadyTimestamp.Unix() != 604800 {
		t.Fatalf("timestamp: got %d", ts.WithdrawalReadyTimestamp.Unix())
	}

	b, err = json.Marshal(ConfigResponse{WithdrawAddress: "addr1", WithdrawDelay: 604800, NativeDenom: "urxp"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"withdraw_address":"addr1","withdraw_delay":604800,"native_denom":"urxp"}` {
		t.Fatalf("unexpected json: %s", b)
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		ErrAlreadyPending:                 "already_pending",
		ErrNoWithdrawalPending:            "no_withdrawal_pending",
		&NotReadyError{}:                  "not_ready_yet",
		&InsufficientFundsError{}:         "insufficient_funds",
		ErrUnauthorized:                   "unauthorized",
		errors.New("database is on fire"): "internal",
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v): got %q want %q", err, got, want)
		}
	}
}
