package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"idem/pkg/sentinel"
)

// Redis key prefix for collection hashes.
const collectionKeyPrefix = "idem:collection:"

// Redis keeps each collection in a hash keyed by document key. It suits
// deployments where several processes share one identity graph; Find scans
// the whole hash client-side, so it works best for the modest collection
// sizes blocking is designed around.
type Redis struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed store over an existing client. The
// client lifecycle is managed externally.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// DialRedis connects to Redis from a URL (redis://host:port/db) and
// verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func collectionKey(collection string) string {
	return collectionKeyPrefix + collection
}

func (s *Redis) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	doc, err := s.client.HGet(ctx, collectionKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return doc, nil
}

func (s *Redis) Put(ctx context.Context, collection, key string, value json.RawMessage) error {
	if err := s.client.HSet(ctx, collectionKey(collection), key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, collection, key string) error {
	if err := s.client.HDel(ctx, collectionKey(collection), key).Err(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *Redis) Find(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	docs, err := s.client.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}

	keys := make([]string, 0, len(docs))
	for key, doc := range docs {
		ok, err := filter.Matches(json.RawMessage(doc))
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		records = append(records, Record{Key: key, Value: json.RawMessage(docs[key])})
	}
	return records, nil
}
