package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/storage/redis"

	"github.com/logos-ecosystem/logos-billing/internal/pkg/cache"
	"github.com/logos-ecosystem/logos-billing/internal/pkg/env"
)

const (
	sessionKeyPrefix = "checkout:session:"
	lockKeyPrefix    = "checkout:lock:"

	// DefaultTTL is how long an untouched session survives before the
	// abandonment timeout destroys it. Every mutation resets the clock.
	DefaultTTL = 30 * time.Minute

	lockTTL = 10 * time.Second
)

// Storage is the subset of the fiber storage contract the session store
// needs. Satisfied by gofiber/storage/redis in production and by memoryStorage
// in tests.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
}

// Store persists checkout sessions with a TTL and guards them with a
// per-session mutation lock.
type Store struct {
	storage Storage
	locker  Locker
	ttl     time.Duration
}

// NewStore builds a session store on explicit backends (tests).
func NewStore(storage Storage, locker Locker, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{storage: storage, locker: locker, ttl: ttl}
}

// NewRedisStore wires the store to Redis, reusing the cache client's
// coordinates. Sessions live in database 1 so FLUSHing the cache never
// drops in-flight checkouts.
func NewRedisStore() *Store {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if c := cache.GetClient(); c != nil {
		if h, p, err := net.SplitHostPort(c.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := c.Options().Password; p != "" {
			password = p
		}
	}

	storage := redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
	return NewStore(storage, NewRedisLocker(), DefaultTTL)
}

// Get loads a session by id.
func (s *Store) Get(id string) (*Session, error) {
	data, err := s.storage.Get(sessionKeyPrefix + id)
	if err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	return &sess, nil
}

// Save persists the session and resets its TTL.
func (s *Store) Save(sess *Session) error {
	sess.UpdatedAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	return s.storage.Set(sessionKeyPrefix+sess.ID, data, s.ttl)
}

// Destroy removes a session after successful submission.
func (s *Store) Destroy(id string) error {
	return s.storage.Delete(sessionKeyPrefix + id)
}

// Lock claims the per-session mutation lock. A false return means another
// request is mutating the session right now.
func (s *Store) Lock(id string) (bool, error) {
	if s.locker == nil {
		return true, nil
	}
	return s.locker.Acquire(lockKeyPrefix+id, lockTTL)
}

// Unlock releases the mutation lock.
func (s *Store) Unlock(id string) {
	if s.locker != nil {
		_ = s.locker.Release(lockKeyPrefix + id)
	}
}

// Locker is a minimal distributed lock. Redis SETNX in production.
type Locker interface {
	Acquire(key string, ttl time.Duration) (bool, error)
	Release(key string) error
}

type redisLocker struct{}

// NewRedisLocker returns a locker on the shared cache client.
func NewRedisLocker() Locker {
	return redisLocker{}
}

func (redisLocker) Acquire(key string, ttl time.Duration) (bool, error) {
	return cache.GetClient().SetNX(cacheCtx(), key, "1", ttl).Result()
}

func (redisLocker) Release(key string) error {
	return cache.GetClient().Del(cacheCtx(), key).Err()
}

func cacheCtx() context.Context {
	return context.Background()
}

// MemoryStorage is an in-process Storage for tests.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *MemoryStorage) Set(key string, val []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	m.data[key] = cp
	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// MemoryLocker is an in-process Locker for tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (m *MemoryLocker) Acquire(key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *MemoryLocker) Release(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
