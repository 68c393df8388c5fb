package timelock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/juno-intents/custody-timelock/internal/coin"
)

// Action names, also used as the "action" attribute of applied results.
const (
	ActionInstantiate     = "instantiate"
	ActionStartWithdraw   = "start_withdraw"
	ActionExecuteWithdraw = "execute_withdraw"
	ActionExecuteBurn     = "execute_burn"
	ActionExecuteSend     = "execute_send"
	ActionExecuteSendAll  = "execute_send_all"
)

// ExecuteMsg is a caller-initiated action. Exactly one field is set.
type ExecuteMsg struct {
	StartWithdraw   *StartWithdrawMsg   `json:"start_withdraw,omitempty"`
	ExecuteWithdraw *ExecuteWithdrawMsg `json:"execute_withdraw,omitempty"`
}

type StartWithdrawMsg struct{}

type ExecuteWithdrawMsg struct{}

func (m ExecuteMsg) Name() (string, error) {
	var names []string
	if m.StartWithdraw != nil {
		names = append(names, ActionStartWithdraw)
	}
	if m.ExecuteWithdraw != nil {
		names = append(names, ActionExecuteWithdraw)
	}
	return oneOf(names)
}

// SudoMsg is a governance-only action. Exactly one field is set.
type SudoMsg struct {
	ExecuteBurn    *ExecuteBurnMsg    `json:"execute_burn,omitempty"`
	ExecuteSend    *ExecuteSendMsg    `json:"execute_send,omitempty"`
	ExecuteSendAll *ExecuteSendAllMsg `json:"execute_send_all,omitempty"`
}

type ExecuteBurnMsg struct{}

type ExecuteSendMsg struct {
	Recipient string      `json:"recipient"`
	Amount    coin.Amount `json:"amount"`
}

type ExecuteSendAllMsg struct {
	Recipient string `json:"recipient"`
}

func (m SudoMsg) Name() (string, error) {
	var names []string
	if m.ExecuteBurn != nil {
		names = append(names, ActionExecuteBurn)
	}
	if m.ExecuteSend != nil {
		names = append(names, ActionExecuteSend)
	}
	if m.ExecuteSendAll != nil {
		names = append(names, ActionExecuteSendAll)
	}
	return oneOf(names)
}

// QueryMsg is a read-only request. Exactly one field is set.
type QueryMsg struct {
	GetConfig              *GetConfigQuery              `json:"get_config,omitempty"`
	GetWithdrawalReadyTime *GetWithdrawalReadyTimeQuery `json:"get_withdrawal_ready_time,omitempty"`
	IsWithdrawalReady      *IsWithdrawalReadyQuery      `json:"is_withdrawal_ready,omitempty"`
}

type GetConfigQuery struct{}

type GetWithdrawalReadyTimeQuery struct{}

type IsWithdrawalReadyQuery struct{}

func (m QueryMsg) Name() (string, error) {
	var names []string
	if m.GetConfig != nil {
		names = append(names, "get_config")
	}
	if m.GetWithdrawalReadyTime != nil {
		names = append(names, "get_withdrawal_ready_time")
	}
	if m.IsWithdrawalReady != nil {
		names = append(names, "is_withdrawal_ready")
	}
	return oneOf(names)
}

func oneOf(names []string) (string, error) {
	switch len(names) {
	case 1:
		return names[0], nil
	case 0:
		return "", fmt.Errorf("%w: no variant set", ErrInvalidMessage)
	default:
		return "", fmt.Errorf("%w: multiple variants set: %v", ErrInvalidMessage, names)
	}
}

// ConfigResponse is the GetConfig answer. WithdrawDelay is in seconds.
type ConfigResponse struct {
	WithdrawAddress string `json:"withdraw_address"`
	WithdrawDelay   uint64 `json:"withdraw_delay"`
	NativeDenom     string `json:"native_denom"`
}

// Response renders c the way GetConfig reports it.
func (c Config) Response() ConfigResponse {
	return ConfigResponse{
		WithdrawAddress: c.WithdrawAddress,
		WithdrawDelay:   uint64(c.WithdrawDelay / time.Second),
		NativeDenom:     c.Denom,
	}
}

type WithdrawalTimestampResponse struct {
	WithdrawalReadyTimestamp Timestamp `json:"withdrawal_ready_timestamp"`
}

type WithdrawalReadyResponse struct {
	IsWithdrawalReady bool `json:"is_withdrawal_ready"`
}

// Timestamp encodes as a string of unix nanoseconds.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(t.UnixNano(), 10))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: timestamp must be a string of nanoseconds", ErrInvalidMessage)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: invalid timestamp %q", ErrInvalidMessage, s)
	}
	t.Time = time.Unix(0, n).UTC()
	return nil
}

// ParseExecuteMsg strictly decodes an ExecuteMsg.
func ParseExecuteMsg(b []byte) (ExecuteMsg, error) {
	var m ExecuteMsg
	if err := decodeStrict(b, &m); err != nil {
		return ExecuteMsg{}, err
	}
	if _, err := m.Name(); err != nil {
		return ExecuteMsg{}, err
	}
	return m, nil
}

func ParseSudoMsg(b []byte) (SudoMsg, error) {
	var m SudoMsg
	if err := decodeStrict(b, &m); err != nil {
		return SudoMsg{}, err
	}
	if _, err := m.Name(); err != nil {
		return SudoMsg{}, err
	}
	return m, nil
}

func ParseQueryMsg(b []byte) (QueryMsg, error) {
	var m QueryMsg
	if err := decodeStrict(b, &m); err != nil {
		return QueryMsg{}, err
	}
	if _, err := m.Name(); err != nil {
		return QueryMsg{}, err
	}
	return m, nil
}

func ParseInstantiateMsg(b []byte) (InstantiateMsg, error) {
	var m InstantiateMsg
	if err := decodeStrict(b, &m); err != nil {
		return InstantiateMsg{}, err
	}
	return m, nil
}

func decodeStrict(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidMessage)
	}
	return nil
}

// Result is the outcome of an applied action.
type Result struct {
	Action      string
	State       WithdrawalState
	Instruction *Instruction
}

// HandleExecute authorizes sender and applies msg.
func (c *Controller) HandleExecute(st WithdrawalState, now time.Time, sender string, msg ExecuteMsg, balance BalanceFunc) (Result, error) {
	name, err := msg.Name()
	if err != nil {
		return Result{}, err
	}
	if err := c.Authorize(sender, msg); err != nil {
		return Result{}, err
	}
	switch {
	case msg.StartWithdraw != nil:
		next, err := c.StartWithdraw(st, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: name, State: next}, nil
	default:
		next, ins, err := c.ExecuteWithdraw(st, now, balance)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: name, State: next, Instruction: &ins}, nil
	}
}

// HandleSudo applies a governance action. The withdrawal state passes through unchanged.
func (c *Controller) HandleSudo(st WithdrawalState, msg SudoMsg, balance BalanceFunc) (Result, error) {
	name, err := msg.Name()
	if err != nil {
		return Result{}, err
	}
	var ins Instruction
	switch {
	case msg.ExecuteBurn != nil:
		ins, err = c.ExecuteBurn(balance)
	case msg.ExecuteSend != nil:
		ins, err = c.ExecuteSend(msg.ExecuteSend.Recipient, msg.ExecuteSend.Amount, balance)
	default:
		ins, err = c.ExecuteSendAll(msg.ExecuteSendAll.Recipient, balance)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Action: name, State: st, Instruction: &ins}, nil
}

// HandleQuery answers msg with one of the *Response types.
func (c *Controller) HandleQuery(st WithdrawalState, now time.Time, msg QueryMsg) (any, error) {
	if _, err := msg.Name(); err != nil {
		return nil, err
	}
	switch {
	case msg.GetConfig != nil:
		return c.cfg.Response(), nil
	case msg.GetWithdrawalReadyTime != nil:
		ready, err := c.WithdrawalReadyTime(st)
		if err != nil {
			return nil, err
		}
		return WithdrawalTimestampResponse{WithdrawalReadyTimestamp: Timestamp{Time: ready}}, nil
	default:
		return WithdrawalReadyResponse{IsWithdrawalReady: c.IsWithdrawalReady(st, now)}, nil
	}
}
