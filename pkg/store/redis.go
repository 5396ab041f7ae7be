package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/chainowl/pkg/instance"
)

// Key layout in Redis:
//
//	instance/<id>   record JSON
//	external_ids    hash external_id -> instance_id
//	expiries        sorted set instance_id scored by expires_at
//	metadata/<id>   hash key -> JSON value
const (
	instanceKeyPrefix = "instance/"
	metadataKeyPrefix = "metadata/"
	externalIDsKey    = "external_ids"
	expiriesKey       = "expiries"
)

// RedisStore is the networked store used in production deployments.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func instanceKey(instanceID string) string { return instanceKeyPrefix + instanceID }
func metadataKey(instanceID string) string { return metadataKeyPrefix + instanceID }

// Register inserts the record and both index entries in one transaction,
// watching the instance key so a concurrent insert of the same id loses. A
// record whose external id is already in the index is rejected.
func (s *RedisStore) Register(ctx context.Context, rec *instance.Record) error {
	key := instanceKey(rec.InstanceID)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}

		taken, err := tx.HExists(ctx, externalIDsKey, rec.ExternalID).Result()
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("external id already registered to another instance")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.HSet(ctx, externalIDsKey, rec.ExternalID, rec.InstanceID)
			pipe.ZAdd(ctx, expiriesKey, redis.Z{
				Score:  rec.ExpiresAt,
				Member: rec.InstanceID,
			})
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, key)
	if err == redis.TxFailedErr {
		// The key changed underneath us; it can only have been created.
		return ErrAlreadyExists
	}
	return err
}

// Get returns the record with current metadata merged in.
func (s *RedisStore) Get(ctx context.Context, instanceID string) (*instance.Record, error) {
	raw, err := s.client.Get(ctx, instanceKey(instanceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var rec instance.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", instanceID, err)
	}

	rec.Metadata = map[string]any{}
	fields, err := s.client.HGetAll(ctx, metadataKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	for k, v := range fields {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			s.logger.Warn("invalid metadata value", "instance_id", instanceID, "key", k)
			continue
		}
		rec.Metadata[k] = val
	}

	return &rec, nil
}

// GetByExternal resolves the handle through the external_ids hash.
func (s *RedisStore) GetByExternal(ctx context.Context, externalID string) (*instance.Record, error) {
	instanceID, err := s.client.HGet(ctx, externalIDsKey, externalID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving external id: %w", err)
	}
	return s.Get(ctx, instanceID)
}

// List scans all instance keys and loads each record.
func (s *RedisStore) List(ctx context.Context) ([]*instance.Record, error) {
	var records []*instance.Record

	iter := s.client.Scan(ctx, 0, instanceKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		rec, err := s.Get(ctx, iter.Val()[len(instanceKeyPrefix):])
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning instances: %w", err)
	}

	return records, nil
}

// Unregister removes the record, both index entries, and the metadata hash.
func (s *RedisStore) Unregister(ctx context.Context, instanceID string) (*instance.Record, error) {
	key := instanceKey(instanceID)

	var removed *instance.Record
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			removed = nil
			return nil
		}
		if err != nil {
			return err
		}

		var rec instance.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decoding record %s: %w", instanceID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HDel(ctx, externalIDsKey, rec.ExternalID)
			pipe.ZRem(ctx, expiriesKey, instanceID)
			pipe.Del(ctx, metadataKey(instanceID))
			return nil
		})
		if err != nil {
			return err
		}
		removed = &rec
		return nil
	}

	if err := s.client.Watch(ctx, txn, key); err != nil && err != redis.TxFailedErr {
		return nil, err
	}
	return removed, nil
}

// UpdateMetadata writes each patch key as a JSON-encoded hash field.
func (s *RedisStore) UpdateMetadata(ctx context.Context, instanceID string, patch map[string]any) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range patch {
			payload, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding metadata %s: %w", k, err)
			}
			pipe.HSet(ctx, metadataKey(instanceID), k, payload)
		}
		return nil
	})
	return err
}

// GetExpired range-queries the expiry index up to now.
func (s *RedisStore) GetExpired(ctx context.Context, now time.Time) ([]*instance.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiriesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying expiry index: %w", err)
	}

	var records []*instance.Record
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Ping checks connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
