package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// KVStore backs the session table with a NATS JetStream key-value bucket.
// The bucket TTL handles eviction server-side, so idle sessions disappear
// without any sweeping on our end.
type KVStore struct {
	kv nats.KeyValue
}

func NewKVStore(nc *nats.Conn, bucket string, ttl time.Duration) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}

	return &KVStore{kv: kv}, nil
}

func (k *KVStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	entry, err := k.kv.Get(id.String())
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}

	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (k *KVStore) Put(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if _, err := k.kv.Put(s.ID.String(), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (k *KVStore) Delete(ctx context.Context, id uuid.UUID) error {
	// Purge rather than Delete: a delete marker would still answer Get
	// with a tombstone error distinct from ErrKeyNotFound.
	if _, err := k.kv.Get(id.String()); errors.Is(err, nats.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err := k.kv.Purge(id.String()); err != nil {
		return fmt.Errorf("kv purge: %w", err)
	}
	return nil
}

// ListExpired is a no-op: the bucket TTL evicts idle sessions server-side.
func (k *KVStore) ListExpired(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	return nil, nil
}
