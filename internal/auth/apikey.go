package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix = "conserver:apikey:"
	keyIndex  = "conserver:apikeys"

	// ScopeGlobal marks a key as a global admin key, accepted for any
	// ingress list.
	ScopeGlobal = "*"
)

// ErrNotFound is returned when a named key does not exist in the Store.
var ErrNotFound = errors.New("auth: api key not found")

// ErrExists is returned by Create when the name is already registered.
var ErrExists = errors.New("auth: api key name already exists")

// Key is a stored API key record. Scope is either ScopeGlobal or the name
// of the single ingress list the key is authorized against.
type Key struct {
	Name      string    `json:"name"`
	Scope     string    `json:"scope"`
	Hash      string    `json:"hash"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages dynamically issued API keys in Redis, using the same
// hash-indexed, HSET-indexed-by-name layout as the domain stack's other
// Redis-backed key stores, generalized here to carry an ingress-list scope
// instead of a rate-limit tier.
type Store struct {
	redis *redis.Client
}

// NewStore creates a Redis-backed key store.
func NewStore(client *redis.Client) *Store {
	return &Store{redis: client}
}

// Create mints a new key for scope (ScopeGlobal or an ingress list name)
// and returns the plaintext key. Only its hash is persisted.
func (s *Store) Create(ctx context.Context, name, scope string) (string, error) {
	existing, _ := s.redis.HGet(ctx, keyIndex, name).Result()
	if existing != "" {
		return "", ErrExists
	}

	plaintext := generateKey()
	rec := Key{
		Name:      name,
		Scope:     scope,
		Hash:      hashKey(plaintext),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, keyPrefix+rec.Hash, data, 0)
	pipe.HSet(ctx, keyIndex, name, rec.Hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("auth: create key %s: %w", name, err)
	}
	return plaintext, nil
}

// Get retrieves a key record by name.
func (s *Store) Get(ctx context.Context, name string) (*Key, error) {
	hash, err := s.redis.HGet(ctx, keyIndex, name).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.getByHash(ctx, hash)
}

func (s *Store) getByHash(ctx context.Context, hash string) (*Key, error) {
	data, err := s.redis.Get(ctx, keyPrefix+hash).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Key
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every registered key record.
func (s *Store) List(ctx context.Context) ([]*Key, error) {
	hashes, err := s.redis.HGetAll(ctx, keyIndex).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]*Key, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := s.getByHash(ctx, hash)
		if err != nil {
			continue
		}
		keys = append(keys, rec)
	}
	return keys, nil
}

// Revoke disables a key without deleting its record.
func (s *Store) Revoke(ctx context.Context, name string) error {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	rec.Enabled = false
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, keyPrefix+rec.Hash, data, 0).Err()
}

// Delete removes a key's record entirely.
func (s *Store) Delete(ctx context.Context, name string) error {
	hash, err := s.redis.HGet(ctx, keyIndex, name).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, keyPrefix+hash)
	pipe.HDel(ctx, keyIndex, name)
	_, err = pipe.Exec(ctx)
	return err
}

// Authenticate checks key against the stored records for the ingress list:
// it accepts any enabled key whose scope is ScopeGlobal, or whose scope
// exactly matches ingressList.
func (s *Store) Authenticate(ctx context.Context, ingressList, key string) (*Identity, bool) {
	if key == "" {
		return nil, false
	}
	rec, err := s.getByHash(ctx, hashKey(key))
	if err != nil || !rec.Enabled {
		return nil, false
	}
	if rec.Scope == ScopeGlobal {
		return &Identity{KeyName: rec.Name, Global: true}, true
	}
	if rec.Scope == ingressList {
		return &Identity{KeyName: rec.Name, Global: false}, true
	}
	return nil, false
}

func generateKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = charset[b%byte(len(charset))]
	}
	return "cvk_" + string(out)
}
