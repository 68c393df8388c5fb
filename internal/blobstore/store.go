// Package blobstore is a write-once object archive used for instruction receipts.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: object already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store never overwrites: Create fails with ErrExists when key is taken.
type Store interface {
	Create(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 1 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemory(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad path segment in %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
	now     func() time.Time
}

func NewMemory(prefix string) *Memory {
	return &Memory{
		prefix:  prefix,
		objects: make(map[string]Object),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, key string, payload []byte, contentType string) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	full := joinPrefix(m.prefix, k)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[full]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}
	m.objects[full] = Object{
		Key:          k,
		Data:         append([]byte(nil), payload...),
		ContentType:  strings.TrimSpace(contentType),
		LastModified: m.now().UTC(),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Object, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[joinPrefix(m.prefix, k)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[joinPrefix(m.prefix, k)]
	m.mu.RUnlock()
	return ok, nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
