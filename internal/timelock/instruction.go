package timelock

import (
	"fmt"
	"strings"

	"github.com/juno-intents/custody-timelock/internal/coin"
)

type InstructionKind uint8

const (
	InstructionUnknown InstructionKind = iota
	InstructionTransfer
	InstructionBurn
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionTransfer:
		return "transfer"
	case InstructionBurn:
		return "burn"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func ParseInstructionKind(s string) (InstructionKind, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "transfer":
		return InstructionTransfer, nil
	case "burn":
		return InstructionBurn, nil
	default:
		return InstructionUnknown, fmt.Errorf("%w: unknown instruction kind %q", ErrInvalidMessage, s)
	}
}

// Instruction describes the asset movement an action decided on. Executing it against the
// bank is the host's job.
type Instruction struct {
	Kind InstructionKind
	// Recipient is empty for burns.
	Recipient string
	Coin      coin.Coin
}

func Transfer(recipient string, c coin.Coin) Instruction {
	return Instruction{Kind: InstructionTransfer, Recipient: recipient, Coin: c}
}

func Burn(c coin.Coin) Instruction {
	return Instruction{Kind: InstructionBurn, Coin: c}
}

func (i Instruction) String() string {
	if i.Kind == InstructionBurn {
		return "burn " + i.Coin.String()
	}
	return fmt.Sprintf("%s %s to %s", i.Kind, i.Coin, i.Recipient)
}
