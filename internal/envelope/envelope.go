// Package envelope defines the signed action envelope carried over the action queue and the
// HTTP submit endpoints.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/sha3"
)

const Version = "timelock.action.v1"

const (
	idPrefixV1     = "timelock.action.id"
	digestPrefixV1 = "timelock.action.digest"

	maxInstanceLen = 64
	maxSenderLen   = 255
)

var (
	ErrInvalidEnvelope = errors.New("envelope: invalid envelope")
	ErrInvalidInstance = errors.New("envelope: invalid instance id")
)

type Kind string

const (
	KindExecute Kind = "execute"
	KindSudo    Kind = "sudo"
)

func (k Kind) Valid() bool { return k == KindExecute || k == KindSudo }

// Envelope wraps one execute or sudo message addressed to an instance.
//
// Execute envelopes name their Sender and may carry the sender's signature over Digest; queue
// consumers require it, while the HTTP API authenticates the sender by bearer token. Sudo
// envelopes carry a 65-byte governance signature over Digest.
type Envelope struct {
	ID        [32]byte
	Instance  string
	Kind      Kind
	Sender    string
	Msg       json.RawMessage
	Signature []byte
}

type wireEnvelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Instance  string          `json:"instance"`
	Kind      Kind            `json:"kind"`
	Sender    string          `json:"sender,omitempty"`
	Msg       json.RawMessage `json:"msg"`
	Signature string          `json:"signature,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Version:  Version,
		ID:       "0x" + hex.EncodeToString(e.ID[:]),
		Instance: e.Instance,
		Kind:     e.Kind,
		Sender:   e.Sender,
		Msg:      e.Msg,
	}
	if len(e.Signature) > 0 {
		w.Signature = "0x" + hex.EncodeToString(e.Signature)
	}
	return json.Marshal(w)
}

// Parse strictly decodes and validates an envelope. Msg is compacted so that Digest is stable
// across whitespace changes.
func Parse(b []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrInvalidEnvelope)
	}
	if w.Version != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, w.Version)
	}

	id, err := ParseID(w.ID)
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		ID:       id,
		Instance: strings.TrimSpace(w.Instance),
		Kind:     w.Kind,
		Sender:   strings.TrimSpace(w.Sender),
		Msg:      w.Msg,
	}
	if w.Signature != "" {
		sig, err := decodeHex(w.Signature)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: signature: %v", ErrInvalidEnvelope, err)
		}
		e.Signature = sig
	}
	if err := e.normalize(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the structural rules Parse enforces, for envelopes built in code.
func (e *Envelope) Validate() error {
	return e.normalize()
}

func (e *Envelope) normalize() error {
	if err := ValidateInstance(e.Instance); err != nil {
		return err
	}
	if e.ID == ([32]byte{}) {
		return fmt.Errorf("%w: zero id", ErrInvalidEnvelope)
	}
	if len(e.Msg) == 0 {
		return fmt.Errorf("%w: missing msg", ErrInvalidEnvelope)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Msg); err != nil {
		return fmt.Errorf("%w: msg: %v", ErrInvalidEnvelope, err)
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		return fmt.Errorf("%w: msg must be a json object", ErrInvalidEnvelope)
	}
	e.Msg = buf.Bytes()

	switch e.Kind {
	case KindExecute:
		if e.Sender == "" {
			return fmt.Errorf("%w: execute envelope requires sender", ErrInvalidEnvelope)
		}
		if len(e.Signature) != 0 && len(e.Signature) != 65 {
			return fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidEnvelope)
		}
	case KindSudo:
		if len(e.Signature) != 65 {
			return fmt.Errorf("%w: sudo envelope requires a 65-byte signature", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	if len(e.Sender) > maxSenderLen {
		return fmt.Errorf("%w: sender too long", ErrInvalidEnvelope)
	}
	return nil
}

// Digest is the value governance signs for a sudo envelope and a sender signs for an
// execute envelope.
//
//	keccak256("timelock.action.digest" || id || len32(instance) || instance || len32(kind) || kind || msg)
//
// Execute digests append len32(sender) || sender. The signature is never covered. Msg must
// already be compact.
func (e Envelope) Digest() [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(digestPrefixV1))
	_, _ = h.Write(e.ID[:])
	writeLenPrefixed(h, []byte(e.Instance))
	writeLenPrefixed(h, []byte(e.Kind))
	_, _ = h.Write(e.Msg)
	if e.Kind == KindExecute {
		writeLenPrefixed(h, []byte(e.Sender))
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewID derives a deterministic action id. Callers pick nonce so that distinct intents get
// distinct ids and redeliveries of the same intent share one.
func NewID(instance string, kind Kind, msg []byte, nonce uint64) [32]byte {
	var compact bytes.Buffer
	if err := json.Compact(&compact, msg); err != nil {
		compact.Reset()
		compact.Write(msg)
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(idPrefixV1))
	writeLenPrefixed(h, []byte(instance))
	writeLenPrefixed(h, []byte(kind))
	writeLenPrefixed(h, compact.Bytes())

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	_, _ = h.Write(n[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func ParseID(s string) ([32]byte, error) {
	b, err := decodeHex(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: id: %v", ErrInvalidEnvelope, err)
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: id must be 32 bytes, got %d", ErrInvalidEnvelope, len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func FormatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// ValidateInstance accepts 1-64 characters of [a-z0-9_-].
func ValidateInstance(id string) error {
	if id == "" || len(id) > maxInstanceLen {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidInstance, maxInstanceLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: invalid character %q", ErrInvalidInstance, c)
		}
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex")
	}
	return hex.DecodeString(s)
}

func writeLenPrefixed(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}
