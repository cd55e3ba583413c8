// Package session keeps the logged-in user's credentials and tears the session
// down when the backend rejects them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned by Load when nothing is stored.
var ErrNoSession = errors.New("no stored session")

type Credentials struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type Store interface {
	Save(ctx context.Context, c Credentials) error
	Load(ctx context.Context) (Credentials, error)
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(_ context.Context, c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = &c
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		return Credentials{}, ErrNoSession
	}
	return *m.creds, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = nil
	return nil
}

// RedisStore keeps the token and username under two keys, so a restarted
// dashboard resumes the same session.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisAddr, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if prefix == "" {
		prefix = "queuewatch"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}, nil
}

func (r *RedisStore) tokenKey() string {
	return r.prefix + ":session:token"
}

func (r *RedisStore) usernameKey() string {
	return r.prefix + ":session:username"
}

func (r *RedisStore) Save(ctx context.Context, c Credentials) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(), c.Token, 0)
		pipe.Set(ctx, r.usernameKey(), c.Username, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}

func (r *RedisStore) Load(ctx context.Context) (Credentials, error) {
	values, err := r.client.MGet(ctx, r.tokenKey(), r.usernameKey()).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("load session: %w", err)
	}

	token, _ := values[0].(string)
	if token == "" {
		return Credentials{}, ErrNoSession
	}
	username, _ := values[1].(string)

	return Credentials{Token: token, Username: username}, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.tokenKey(), r.usernameKey()).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
