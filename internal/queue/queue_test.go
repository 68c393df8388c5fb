package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unsupported driver", cfg: ConsumerConfig{Driver: "unknown"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "g1", Topics: []string{"t1"}}},
		{name: "kafka missing group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"t1"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1"}},
		{name: "kafka inverted byte bounds", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g1", Topics: []string{"t1"}, KafkaMinBytes: 10, KafkaMaxBytes: 5}},
		{name: "memory without broker", cfg: ConsumerConfig{Driver: DriverMemory}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{
		{Driver: "unknown"},
		{Driver: DriverKafka},
		{Driver: DriverMemory},
	} {
		p, err := NewProducer(cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("NewProducer(%q): expected ErrInvalidConfig, got %v", cfg.Driver, err)
		}
		if p != nil {
			t.Fatalf("expected nil producer on error")
		}
	}
}

func TestStdioConsumerReadsLines(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader("first\n\nsecond\n"),
		MaxLineBytes: 1024,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages channel closed early")
			}
			got = append(got, string(m.Value))
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout waiting for lines")
		}
	}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %#v", got)
	}
}

func TestStdioProducerPublishesLineDelimitedPayloads(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	if err := p.Publish(context.Background(), "timelock.instructions.v1", []byte("vault"), []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), "timelock.instructions.v1", []byte("vault"), []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got, want := out.String(), "{\"seq\":1}\n{\"seq\":2}\n"; got != want {
		t.Fatalf("output mismatch: got %q want %q", got, want)
	}
}

func TestMemory_DeliversByTopicAndKey(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m := NewMemory()
	defer func() { _ = m.Close() }()

	actions, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverMemory, Memory: m, Topics: []string{"actions"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	p, err := NewProducer(ProducerConfig{Driver: DriverMemory, Memory: m})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}

	if err := p.Publish(ctx, "instructions", []byte("vault"), []byte("ignored")); err != nil {
		t.Fatalf("Publish instructions: %v", err)
	}
	if err := p.Publish(ctx, "actions", []byte("vault"), []byte("a1")); err != nil {
		t.Fatalf("Publish actions: %v", err)
	}
	if err := p.Publish(ctx, " ", nil, []byte("x")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty topic, got %v", err)
	}

	select {
	case msg := <-actions.Messages():
		if msg.Topic != "actions" || string(msg.Key) != "vault" || string(msg.Value) != "a1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for message")
	}

	if err := actions.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closed subscribers no longer block publishers.
	if err := p.Publish(ctx, "actions", nil, []byte("a2")); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}

	_ = m.Close()
	if err := p.Publish(ctx, "actions", nil, []byte("a3")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMessageAckNoOp(t *testing.T) {
	t.Parallel()

	m := Message{Topic: "t1", Value: []byte("x")}
	if err := m.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{value: "", want: false},
		{value: "false", want: false},
		{value: "0", want: false},
		{value: "true", want: true},
		{value: "1", want: true},
		{value: "yes", want: true},
		{value: "on", want: true},
		{value: "  TrUe  ", want: true},
	}
	for _, tc := range cases {
		t.Setenv(EnvKafkaTLS, tc.value)
		if got := kafkaTLSEnabled(); got != tc.want {
			t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", tc.value, got, tc.want)
		}
	}
}

func TestStopOnFetchError(t *testing.T) {
	t.Parallel()

	if !stopOnFetchError(context.Canceled) {
		t.Fatalf("expected stop on context.Canceled")
	}
	if stopOnFetchError(io.EOF) {
		t.Fatalf("expected retry on io.EOF")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list: %#v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}
