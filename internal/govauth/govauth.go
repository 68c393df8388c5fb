// Package govauth authenticates governance (sudo) envelopes by secp256k1 signature recovery
// against a fixed set of governor addresses, and execute envelopes against per-sender keys.
package govauth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidConfig    = errors.New("govauth: invalid config")
	ErrInvalidSignature = errors.New("govauth: invalid signature")
	ErrUnknownSigner    = errors.New("govauth: unknown signer")
	ErrUnknownSender    = errors.New("govauth: sender has no registered key")
)

type Verifier struct {
	governors map[common.Address]struct{}
}

func NewVerifier(governors []common.Address) (*Verifier, error) {
	if len(governors) == 0 {
		return nil, fmt.Errorf("%w: governors must be non-empty", ErrInvalidConfig)
	}
	set := make(map[common.Address]struct{}, len(governors))
	for i, g := range governors {
		if g == (common.Address{}) {
			return nil, fmt.Errorf("%w: governor at index %d is zero", ErrInvalidConfig, i)
		}
		if _, ok := set[g]; ok {
			return nil, fmt.Errorf("%w: duplicate governor %s", ErrInvalidConfig, g.Hex())
		}
		set[g] = struct{}{}
	}
	return &Verifier{governors: set}, nil
}

// Verify returns the governor that signed digest.
func (v *Verifier) Verify(digest [32]byte, sig []byte) (common.Address, error) {
	if v == nil {
		return common.Address{}, fmt.Errorf("%w: nil verifier", ErrInvalidConfig)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	if _, ok := v.governors[signer]; !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.Hex())
	}
	return signer, nil
}

// Governors returns the configured set in ascending byte order.
func (v *Verifier) Governors() []common.Address {
	out := make([]common.Address, 0, len(v.governors))
	for g := range v.governors {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// SenderKeys maps a sender identity to the address of the key that signs its envelopes.
type SenderKeys map[string]common.Address

// Verify checks that sig over digest was made by the key registered for sender.
func (k SenderKeys) Verify(sender string, digest [32]byte, sig []byte) error {
	want, ok := k[sender]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSender, sender)
	}
	got, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s signed for %s", ErrUnknownSigner, got.Hex(), sender)
	}
	return nil
}

// ParseSenderKeys parses "sender=0xaddress" pairs. A sender may appear once.
func ParseSenderKeys(csv string) (SenderKeys, error) {
	out := make(SenderKeys)
	for i, pair := range strings.Split(csv, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sender, addr, ok := strings.Cut(pair, "=")
		sender, addr = strings.TrimSpace(sender), strings.TrimSpace(addr)
		if !ok || sender == "" || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: invalid sender key pair at index %d, want sender=0xaddress", ErrInvalidConfig, i)
		}
		if _, dup := out[sender]; dup {
			return nil, fmt.Errorf("%w: duplicate sender %s", ErrInvalidConfig, sender)
		}
		a := common.HexToAddress(addr)
		if a == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero key address for %s", ErrInvalidConfig, sender)
		}
		out[sender] = a
	}
	return out, nil
}

// Sign returns r || s || v with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, digest [32]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrInvalidConfig)
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("govauth: sign digest: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("govauth: unexpected signature length %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// RecoverSigner accepts v in {0, 1, 27, 28}.
func RecoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	s := make([]byte, 65)
	copy(s, sig)
	switch s[64] {
	case 0, 1:
	case 27, 28:
		s[64] -= 27
	default:
		return common.Address{}, fmt.Errorf("%w: bad v %d", ErrInvalidSignature, s[64])
	}

	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func ParseAddressesCSV(csv string) ([]common.Address, error) {
	var out []common.Address
	seen := make(map[common.Address]struct{})
	for i, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("%w: invalid governor address at index %d", ErrInvalidConfig, i)
		}
		a := common.HexToAddress(p)
		if _, ok := seen[a]; ok {
			return nil, fmt.Errorf("%w: duplicate governor %s", ErrInvalidConfig, a.Hex())
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty governor address list", ErrInvalidConfig)
	}
	return out, nil
}

// ParsePrivateKeyHex reads a 32-byte secp256k1 key, with or without a 0x prefix.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidConfig, err)
	}
	return key, nil
}
