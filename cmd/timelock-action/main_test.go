package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/juno-intents/custody-timelock/internal/envelope"
	"github.com/juno-intents/custody-timelock/internal/govauth"
)

const (
	testGovKeyHex    = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testSenderKeyHex = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type staticKeys string

func (s staticKeys) Resolve(context.Context, string) (string, error) { return string(s), nil }

func fixedNonce() (uint64, error) { return 42, nil }

func TestBuildEnvelope_ExecuteIsSignedBySender(t *testing.T) {
	t.Parallel()

	msg := []byte(`{ "start_withdraw": {} }`)
	env, err := buildEnvelope(context.Background(), options{
		instance: "vault",
		kind:     envelope.KindExecute,
		sender:   "addr1",
		msg:      msg,
	}, staticKeys(testSenderKeyHex), fixedNonce)
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}
	if env.ID != envelope.NewID("vault", envelope.KindExecute, msg, 42) {
		t.Fatalf("id not derived from nonce")
	}
	if string(env.Msg) != `{"start_withdraw":{}}` {
		t.Fatalf("msg not compacted: %s", env.Msg)
	}

	key, err := govauth.ParsePrivateKeyHex(testSenderKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	keys := govauth.SenderKeys{"addr1": crypto.PubkeyToAddress(key.PublicKey)}
	if err := keys.Verify("addr1", env.Digest(), env.Signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if _, err := buildEnvelope(context.Background(), options{
		instance: "vault",
		kind:     envelope.KindExecute,
		sender:   "addr1",
		msg:      msg,
	}, nil, fixedNonce); err == nil || !strings.Contains(err.Error(), "signing key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestBuildEnvelope_SudoIsSignedByGovernor(t *testing.T) {
	t.Parallel()

	env, err := buildEnvelope(context.Background(), options{
		instance: "vault",
		kind:     envelope.KindSudo,
		msg:      []byte(`{"execute_send":{"recipient":"addr2","amount":"5"}}`),
		nonce:    "7",
	}, staticKeys(testGovKeyHex), fixedNonce)
	if err != nil {
		t.Fatalf("buildEnvelope: %v", err)
	}

	key, err := govauth.ParsePrivateKeyHex(testGovKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	v, err := govauth.NewVerifier([]common.Address{crypto.PubkeyToAddress(key.PublicKey)})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify(env.Digest(), env.Signature); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestBuildEnvelope_Rejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name        string
		opts        options
		errContains string
	}{
		{name: "bad instance", opts: options{instance: "Vault!", kind: envelope.KindExecute, sender: "a", msg: []byte(`{"start_withdraw":{}}`)}, errContains: "instance"},
		{name: "execute without sender", opts: options{instance: "vault", kind: envelope.KindExecute, msg: []byte(`{"start_withdraw":{}}`)}, errContains: "--sender"},
		{name: "sudo msg on execute", opts: options{instance: "vault", kind: envelope.KindExecute, sender: "a", msg: []byte(`{"execute_burn":{}}`)}, errContains: "invalid message"},
		{name: "execute msg on sudo", opts: options{instance: "vault", kind: envelope.KindSudo, msg: []byte(`{"start_withdraw":{}}`)}, errContains: "invalid message"},
		{name: "sudo with sender", opts: options{instance: "vault", kind: envelope.KindSudo, sender: "a", msg: []byte(`{"execute_burn":{}}`)}, errContains: "not used"},
		{name: "unknown kind", opts: options{instance: "vault", kind: "query", msg: []byte(`{}`)}, errContains: "unsupported"},
		{name: "bad nonce", opts: options{instance: "vault", kind: envelope.KindExecute, sender: "a", msg: []byte(`{"start_withdraw":{}}`), nonce: "x"}, errContains: "--nonce"},
		{name: "bad id", opts: options{instance: "vault", kind: envelope.KindExecute, sender: "a", msg: []byte(`{"start_withdraw":{}}`), id: "0x01"}, errContains: "32 bytes"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildEnvelope(ctx, tc.opts, staticKeys(testGovKeyHex), fixedNonce)
			if err == nil || !strings.Contains(err.Error(), tc.errContains) {
				t.Fatalf("error mismatch: got=%v want_contains=%q", err, tc.errContains)
			}
		})
	}
}

func TestLoadMsg(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "msg.json")
	if err := os.WriteFile(path, []byte("{\"execute_burn\":{}}\n"), 0o600); err != nil {
		t.Fatalf("write msg: %v", err)
	}

	if b, err := loadMsg("", path, nil); err != nil || string(b) != `{"execute_burn":{}}` {
		t.Fatalf("file: %q %v", b, err)
	}
	if b, err := loadMsg("", "", strings.NewReader(` {"start_withdraw":{}} `)); err != nil || string(b) != `{"start_withdraw":{}}` {
		t.Fatalf("stdin: %q %v", b, err)
	}
	if _, err := loadMsg(`{}`, path, nil); err == nil {
		t.Fatalf("expected error for both inline and file")
	}
	if _, err := loadMsg("", "", strings.NewReader("  ")); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestRunMain_StdioPrintsSignedSudoEnvelope(t *testing.T) {
	t.Setenv("TIMELOCK_TEST_GOV_KEY", testGovKeyHex)

	var out bytes.Buffer
	err := runMain(context.Background(), []string{
		"--instance", "vault",
		"--kind", "sudo",
		"--msg", `{"execute_burn":{}}`,
		"--nonce", "1",
		"--gov-key-ref", "env:TIMELOCK_TEST_GOV_KEY",
	}, nil, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	env, err := envelope.Parse(line)
	if err != nil {
		t.Fatalf("Parse output: %v (%s)", err, line)
	}
	if env.Kind != envelope.KindSudo || env.Instance != "vault" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.ID != envelope.NewID("vault", envelope.KindSudo, []byte(`{"execute_burn":{}}`), 1) {
		t.Fatalf("id not derived from --nonce")
	}
	signer, err := govauth.RecoverSigner(env.Digest(), env.Signature)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	key, _ := govauth.ParsePrivateKeyHex(testGovKeyHex)
	if signer != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("signer: got %s", signer.Hex())
	}
}

func TestRunMain_ExecuteFromStdin(t *testing.T) {
	t.Setenv("TIMELOCK_TEST_SENDER_KEY", testSenderKeyHex)

	var out bytes.Buffer
	err := runMain(context.Background(), []string{
		"--instance", "vault",
		"--sender", "addr1",
		"--id", "0x" + strings.Repeat("ab", 32),
		"--sender-key-ref", "env:TIMELOCK_TEST_SENDER_KEY",
	}, strings.NewReader(`{"execute_withdraw":{}}`), &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	env, err := envelope.Parse(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("Parse output: %v", err)
	}
	if env.Sender != "addr1" || envelope.FormatID(env.ID) != "0x"+strings.Repeat("ab", 32) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	signer, err := govauth.RecoverSigner(env.Digest(), env.Signature)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	key, _ := govauth.ParsePrivateKeyHex(testSenderKeyHex)
	if signer != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("signer: got %s", signer.Hex())
	}
}
