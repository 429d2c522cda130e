package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ErrNoToken is returned by Load when no token has been stored yet.
var ErrNoToken = errors.New("no session token stored")

// Store persists the current session token. Save replaces the stored token
// completely; readers never observe a partial write.
type Store interface {
	Load(ctx context.Context) (models.SessionToken, error)
	Save(ctx context.Context, token models.SessionToken) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// FileStore keeps the token in a JSON file readable only by its owner.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (models.SessionToken, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.SessionToken{}, ErrNoToken
	}
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("stat token file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return models.SessionToken{}, fmt.Errorf("token file %s has insecure permissions %#o, expected 0600", s.path, perm)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("reading token file: %w", err)
	}
	var token models.SessionToken
	if err := json.Unmarshal(data, &token); err != nil {
		return models.SessionToken{}, fmt.Errorf("decoding token file: %w", err)
	}
	return token, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the old one.
func (s *FileStore) Save(_ context.Context, token models.SessionToken) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

const DefaultRedisKey = "sigtrader:session"

// RedisStore shares the token between hosts through a single Redis key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (models.SessionToken, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.SessionToken{}, ErrNoToken
	}
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var token models.SessionToken
	if err := json.Unmarshal(data, &token); err != nil {
		return models.SessionToken{}, fmt.Errorf("decoding token: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Save(ctx context.Context, token models.SessionToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}
