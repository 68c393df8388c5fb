package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
	"github.com/juno-intents/custody-timelock/internal/custody"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

const (
	InstructionVersion = "timelock.instruction.v1"
	ReceiptVersion     = "timelock.receipt.v1"
	SettlementVersion  = "timelock.settlement.v1"
)

var ErrInvalidMessage = errors.New("dispatch: invalid message")

// Message is the instruction record published for downstream executors. Executors dedupe on
// (instance, seq); seq is gapless per instance.
type Message struct {
	Version   string      `json:"version"`
	Instance  string      `json:"instance"`
	Seq       uint64      `json:"seq"`
	Kind      string      `json:"kind"`
	Recipient string      `json:"recipient,omitempty"`
	Denom     string      `json:"denom"`
	Amount    coin.Amount `json:"amount"`
	ActionID  string      `json:"action_id"`
	Action    string      `json:"action"`
	CreatedAt time.Time   `json:"created_at"`
}

func NewMessage(r custody.Record) Message {
	return Message{
		Version:   InstructionVersion,
		Instance:  r.Instance,
		Seq:       r.Seq,
		Kind:      r.Instruction.Kind.String(),
		Recipient: r.Instruction.Recipient,
		Denom:     r.Instruction.Coin.Denom,
		Amount:    r.Instruction.Coin.Amount,
		ActionID:  envelope.FormatID(r.ActionID),
		Action:    r.Action,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func ParseMessage(b []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Version != InstructionVersion {
		return Message{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, m.Version)
	}
	if m.Instance == "" || m.Seq == 0 || m.Denom == "" {
		return Message{}, fmt.Errorf("%w: instance, seq and denom are required", ErrInvalidMessage)
	}
	if _, err := m.Instruction(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Instruction() (timelock.Instruction, error) {
	k, err := timelock.ParseInstructionKind(m.Kind)
	if err != nil {
		return timelock.Instruction{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if k == timelock.InstructionTransfer && m.Recipient == "" {
		return timelock.Instruction{}, fmt.Errorf("%w: transfer without recipient", ErrInvalidMessage)
	}
	return timelock.Instruction{Kind: k, Recipient: m.Recipient, Coin: coin.New(m.Denom, m.Amount)}, nil
}

// Receipt is archived once per relayed or failed instruction.
type Receipt struct {
	Version      string    `json:"version"`
	Instruction  Message   `json:"instruction"`
	Topic        string    `json:"topic"`
	Executed     bool      `json:"executed"`
	Failure      string    `json:"failure,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func ReceiptKey(instance string, seq uint64) string {
	return fmt.Sprintf("%s/%020d.json", instance, seq)
}

const (
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// Settlement is sent back by an external executor once an instruction has been applied to the
// custody account, or rejected. Until then its amount is held back from the available balance.
type Settlement struct {
	Version  string `json:"version"`
	Instance string `json:"instance"`
	Seq      uint64 `json:"seq"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

func ParseSettlement(b []byte) (Settlement, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var s Settlement
	if err := dec.Decode(&s); err != nil {
		return Settlement{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if s.Version != SettlementVersion {
		return Settlement{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, s.Version)
	}
	if s.Instance == "" || s.Seq == 0 {
		return Settlement{}, fmt.Errorf("%w: instance and seq are required", ErrInvalidMessage)
	}
	switch s.Status {
	case StatusSettled:
		if s.Reason != "" {
			return Settlement{}, fmt.Errorf("%w: reason on a settled instruction", ErrInvalidMessage)
		}
	case StatusFailed:
		if strings.TrimSpace(s.Reason) == "" {
			return Settlement{}, fmt.Errorf("%w: missing failure reason", ErrInvalidMessage)
		}
	default:
		return Settlement{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, s.Status)
	}
	return s, nil
}

// PeekVersion returns the "version" field of a JSON object, or "" when b is not one.
func PeekVersion(b []byte) string {
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return ""
	}
	return v.Version
}
