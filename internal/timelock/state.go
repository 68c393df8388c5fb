package timelock

import "time"

type WithdrawalStatus uint8

const (
	StatusNoWithdrawalStarted WithdrawalStatus = iota
	StatusWithdrawalStarted
)

func (s WithdrawalStatus) String() string {
	switch s {
	case StatusNoWithdrawalStarted:
		return "no_withdrawal_started"
	case StatusWithdrawalStarted:
		return "withdrawal_started"
	default:
		return "unknown"
	}
}

// WithdrawalState is either "no withdrawal started" (the zero value) or a started
// withdrawal with its ready time.
type WithdrawalState struct {
	readyTime time.Time
	started   bool
}

// NoWithdrawal is the initial state.
func NoWithdrawal() WithdrawalState { return WithdrawalState{} }

// WithdrawalStarted returns a pending state executable at or after readyTime.
func WithdrawalStarted(readyTime time.Time) WithdrawalState {
	return WithdrawalState{readyTime: readyTime.UTC(), started: true}
}

func (s WithdrawalState) Status() WithdrawalStatus {
	if s.started {
		return StatusWithdrawalStarted
	}
	return StatusNoWithdrawalStarted
}

func (s WithdrawalState) Pending() bool { return s.started }

// ReadyTime returns the ready time and whether a withdrawal is pending.
func (s WithdrawalState) ReadyTime() (time.Time, bool) {
	if !s.started {
		return time.Time{}, false
	}
	return s.readyTime, true
}

func (s WithdrawalState) Equal(o WithdrawalState) bool {
	return s.started == o.started && s.readyTime.Equal(o.readyTime)
}

func (s WithdrawalState) String() string {
	if !s.started {
		return s.Status().String()
	}
	return s.Status().String() + "{ready_time=" + s.readyTime.Format(time.RFC3339Nano) + "}"
}
