package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/govauth"
	"github.com/juno-intents/custody-timelock/internal/queue"
	"github.com/juno-intents/custody-timelock/internal/secrets"
	"github.com/juno-intents/custody-timelock/internal/timelock"
)

func main() {
	if err := runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	instance string
	kind     envelope.Kind
	sender   string
	msg      []byte
	id       string
	nonce    string
	// keyRef signs sudo envelopes, senderKeyRef execute envelopes.
	keyRef       string
	senderKeyRef string
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("timelock-action", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	instance := fs.String("instance", "", "target instance id (required)")
	kind := fs.String("kind", string(envelope.KindExecute), "envelope kind: execute|sudo")
	sender := fs.String("sender", "", "sender address (required for execute)")
	msg := fs.String("msg", "", "inline JSON message; read from --msg-file or stdin when empty")
	msgFile := fs.String("msg-file", "", "JSON message file")
	id := fs.String("id", "", "explicit action id (bytes32 hex); derived from --nonce when empty")
	nonce := fs.String("nonce", "", "nonce for the derived action id; random when empty")
	keyRef := fs.String("gov-key-ref", "env:TIMELOCK_GOV_KEY", "secret reference for the governance signing key (sudo only)")
	senderKeyRef := fs.String("sender-key-ref", "env:TIMELOCK_SENDER_KEY", "secret reference for the sender's signing key (execute only)")

	queueDriver := fs.String("queue-driver", queue.DriverStdio, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "timelock.actions.v1", "queue topic")

	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := loadMsg(strings.TrimSpace(*msg), strings.TrimSpace(*msgFile), stdin)
	if err != nil {
		return err
	}
	opts := options{
		instance: strings.TrimSpace(*instance),
		kind:     envelope.Kind(strings.ToLower(strings.TrimSpace(*kind))),
		sender:   strings.TrimSpace(*sender),
		msg:      body,
		id:       strings.TrimSpace(*id),
		nonce:    strings.TrimSpace(*nonce),
		keyRef:   strings.TrimSpace(*keyRef),

		senderKeyRef: strings.TrimSpace(*senderKeyRef),
	}

	var aws secrets.Provider
	if secrets.NeedsAWS(opts.signingKeyRef()) {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			return err
		}
		aws = p
	}
	resolver := secrets.NewResolver(aws)

	env, err := buildEnvelope(ctx, opts, resolver, randomNonce)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	return producer.Publish(ctx, *topic, []byte(env.Instance), payload)
}

type keyResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

func (o options) signingKeyRef() string {
	if o.kind == envelope.KindSudo {
		return o.keyRef
	}
	return o.senderKeyRef
}

// buildEnvelope validates the message for its kind and signs it: sudo envelopes with the
// governance key, execute envelopes with the sender's key.
func buildEnvelope(ctx context.Context, opts options, keys keyResolver, nonceFn func() (uint64, error)) (envelope.Envelope, error) {
	if err := envelope.ValidateInstance(opts.instance); err != nil {
		return envelope.Envelope{}, err
	}

	switch opts.kind {
	case envelope.KindExecute:
		if opts.sender == "" {
			return envelope.Envelope{}, errors.New("--sender is required for execute")
		}
		if _, err := timelock.ParseExecuteMsg(opts.msg); err != nil {
			return envelope.Envelope{}, err
		}
	case envelope.KindSudo:
		if opts.sender != "" {
			return envelope.Envelope{}, errors.New("--sender is not used for sudo; governance signs instead")
		}
		if _, err := timelock.ParseSudoMsg(opts.msg); err != nil {
			return envelope.Envelope{}, err
		}
	default:
		return envelope.Envelope{}, fmt.Errorf("unsupported --kind %q", opts.kind)
	}

	env := envelope.Envelope{
		Instance: opts.instance,
		Kind:     opts.kind,
		Sender:   opts.sender,
		Msg:      json.RawMessage(opts.msg),
	}
	if opts.id != "" {
		id, err := envelope.ParseID(opts.id)
		if err != nil {
			return envelope.Envelope{}, err
		}
		env.ID = id
	} else {
		n, err := parseNonce(opts.nonce, nonceFn)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("parse --nonce: %w", err)
		}
		env.ID = envelope.NewID(opts.instance, opts.kind, opts.msg, n)
	}

	if keys == nil {
		return envelope.Envelope{}, fmt.Errorf("%s requires a signing key", opts.kind)
	}
	keyHex, err := keys.Resolve(ctx, opts.signingKeyRef())
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("resolve %s signing key: %w", opts.kind, err)
	}
	key, err := govauth.ParsePrivateKeyHex(keyHex)
	if err != nil {
		return envelope.Envelope{}, err
	}
	// Validate compacts Msg, which the digest covers; it needs a placeholder signature.
	env.Signature = make([]byte, 65)
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	sig, err := govauth.Sign(key, env.Digest())
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Signature = sig

	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func loadMsg(inline, path string, stdin io.Reader) ([]byte, error) {
	if inline != "" && path != "" {
		return nil, errors.New("use only one of --msg or --msg-file")
	}
	var b []byte
	switch {
	case inline != "":
		b = []byte(inline)
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read --msg-file: %w", err)
		}
		b = raw
	case stdin != nil:
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin message: %w", err)
		}
		b = raw
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("message is required via --msg, --msg-file, or stdin")
	}
	return b, nil
}

func parseNonce(s string, fallback func() (uint64, error)) (uint64, error) {
	if s == "" {
		return fallback()
	}
	return strconv.ParseUint(s, 0, 64)
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
