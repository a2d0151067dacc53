package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisStore struct {
	client *redis.Client
	prefix string
}

var _ PersistedCache = (*redisStore)(nil)

// NewRedis returns a PersistedCache backed by Redis. Each record is stored
// msgpack encoded under prefix:rec:<id>, with an index prefix:key:<cache_key>
// holding the id. Both keys expire natively at the record's ExpiresAt.
// The caller owns the redis.Client lifecycle; Close does not close it.
func NewRedis(client *redis.Client, prefix string) PersistedCache {
	if prefix == "" {
		prefix = "tiercache"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) recordKey(id string) string { return s.prefix + ":rec:" + id }
func (s *redisStore) indexKey(key string) string { return s.prefix + ":key:" + key }

func (s *redisStore) load(ctx context.Context, id string) (Record, bool, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Record{}, false, Fatal(errors.Wrapf(err, "store: decode record %s", id))
	}
	return rec, true, nil
}

func (s *redisStore) Filter(ctx context.Context, key string) ([]Record, error) {
	id, err := s.client.Get(ctx, s.indexKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.load(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	return []Record{rec}, nil
}

func (s *redisStore) save(ctx context.Context, rec Record, oldKey string) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return Fatal(errors.Wrapf(err, "store: encode record %s", rec.ID))
	}
	pipe := s.client.TxPipeline()
	if oldKey != "" && oldKey != rec.Key {
		pipe.Del(ctx, s.indexKey(oldKey))
	}
	pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
	pipe.Set(ctx, s.indexKey(rec.Key), rec.ID, 0)
	if !rec.ExpiresAt.IsZero() {
		pipe.ExpireAt(ctx, s.recordKey(rec.ID), rec.ExpiresAt)
		pipe.ExpireAt(ctx, s.indexKey(rec.Key), rec.ExpiresAt)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Create(ctx context.Context, rec Record) (Record, error) {
	ok, err := s.client.SetNX(ctx, s.indexKey(rec.Key), "", time.Minute).Result()
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, Fatal(errDuplicateKey(rec.Key))
	}
	rec.ID = uuid.NewString()
	if err := s.save(ctx, rec, ""); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *redisStore) Update(ctx context.Context, id string, rec Record) (Record, error) {
	old, ok, err := s.load(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.ID = id
	if err := s.save(ctx, rec, old.Key); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	rec, ok, err := s.load(ctx, id)
	if err != nil || !ok {
		return err
	}
	return s.client.Del(ctx, s.recordKey(id), s.indexKey(rec.Key)).Err()
}

// Close is a no-op. The caller owns the redis.Client.
func (s *redisStore) Close() error {
	return nil
}
