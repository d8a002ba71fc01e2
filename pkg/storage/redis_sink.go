package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisKeyPrefix prefixes every execution key
const DefaultRedisKeyPrefix = "talos:results:"

// RedisConfig configures the Redis sink
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" validate:"required_if=Enabled true"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"min=0"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" validate:"min=0"`
}

// RedisSink keeps recent executions in Redis as JSON strings
type RedisSink struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisClient dials a client for cfg
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisSink stores records through client. A zero ttl keeps keys forever.
func NewRedisSink(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *zap.Logger) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, keyPrefix: keyPrefix, ttl: ttl, logger: logger}, nil
}

// Key returns the key of an execution
func (s *RedisSink) Key(executionID string) string {
	return s.keyPrefix + executionID
}

// StoreExecution implements ResultSink
func (s *RedisSink) StoreExecution(ctx context.Context, rec *ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.Key(rec.ExecutionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store execution %s in redis: %w", rec.ExecutionID, err)
	}
	s.logger.Debug("Stored execution in redis",
		zap.String("execution_id", rec.ExecutionID),
		zap.Duration("ttl", s.ttl))
	return nil
}

// LoadExecution returns a stored record, or nil when the key is absent or expired
func (s *RedisSink) LoadExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	data, err := s.client.Get(ctx, s.Key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s from redis: %w", executionID, err)
	}
	return decodeRecord(data)
}
