package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process broker. It is both a Producer and a source of Consumers; every
// subscriber receives every message on its topics. Publish blocks while a subscriber's
// buffer is full.
type Memory struct {
	mu     sync.Mutex
	subs   []*memorySub
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

type memorySub struct {
	topics []string
	msgCh  chan Message
	errCh  chan error

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe returns a Consumer for topics; an empty list receives everything.
func (m *Memory) Subscribe(ctx context.Context, topics ...string) (Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &memorySub{
		topics: topics,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.subs = append(m.subs, s)
	go func() {
		<-ctx.Done()
		m.remove(s)
		close(s.done)
	}()
	return s, nil
}

func (m *Memory) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := slices.Clone(m.subs)
	now := m.now().UTC()
	m.mu.Unlock()

	for _, s := range subs {
		if len(s.topics) > 0 && !slices.Contains(s.topics, topic) {
			continue
		}
		msg := Message{
			Topic:     topic,
			Key:       append([]byte(nil), key...),
			Value:     append([]byte(nil), payload...),
			Timestamp: now,
		}
		select {
		case s.msgCh <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops all subscribers. The Memory cannot be reused.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *Memory) remove(s *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(x *memorySub) bool { return x == s })
}

// Messages is never closed; callers stop on their own context or after Close.
func (s *memorySub) Messages() <-chan Message { return s.msgCh }

func (s *memorySub) Errors() <-chan error { return s.errCh }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
