// Package queue moves action envelopes in and instruction messages out. Kafka is the production
// driver; stdio and memory serve tooling and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const (
	EnvKafkaTLS = "TIMELOCK_QUEUE_KAFKA_TLS"

	defaultMaxLineBytes  = 1 << 20
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrClosed        = errors.New("queue: closed")
)

// Message is one delivered record. Key is the instance id for timelock topics.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack commits the message where the driver tracks offsets. Unacked kafka messages are
// redelivered after a restart.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes payloads. Messages sharing a key keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int

	Memory *Memory
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer

	Memory *Memory
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg)
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("%w: memory consumer requires a Memory broker", ErrInvalidConfig)
		}
		return cfg.Memory.Subscribe(ctx, normalizeList(cfg.Topics)...)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("%w: memory producer requires a Memory broker", ErrInvalidConfig)
		}
		return cfg.Memory, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
