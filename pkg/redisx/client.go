// Package redisx wraps github.com/redis/go-redis/v9 with the specific
// operations the messaging substrate needs: stream/consumer-group
// operations for the Stream Worker, list operations for pseudo-sync
// response delivery, key and counter operations for the State Manager and
// Tier Policy Engine, and a WATCH/MULTI primitive for optimistic updates.
package redisx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// ErrVersionMismatch is returned by StoreIfUnchanged when the stored value
// has been modified since the version supplied by the caller.
var ErrVersionMismatch = errors.New("redisx: stored value changed since read")

// StreamsConfig represents the configuration for Redis Streams
type StreamsConfig struct {
	// Connection settings
	Addresses    []string      `yaml:"addresses" json:"addresses"`
	Username     string        `yaml:"username" json:"username"` // Redis 6.0+ ACL username
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// TLS settings
	TLSEnabled bool        `yaml:"tls_enabled" json:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" json:"-"`

	// Pool settings
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	MaxConnAge   time.Duration `yaml:"max_conn_age" json:"max_conn_age"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" json:"pool_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Cluster settings
	ClusterEnabled bool `yaml:"cluster_enabled" json:"cluster_enabled"`
	ReadOnly       bool `yaml:"read_only" json:"read_only"`
	RouteByLatency bool `yaml:"route_by_latency" json:"route_by_latency"`

	// Sentinel settings
	SentinelEnabled  bool     `yaml:"sentinel_enabled" json:"sentinel_enabled"`
	MasterName       string   `yaml:"master_name" json:"master_name"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" json:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" json:"sentinel_password"`
}

// DefaultConfig returns a default configuration for Redis Streams
func DefaultConfig() *StreamsConfig {
	return &StreamsConfig{
		Addresses:      []string{"localhost:6379"},
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		DialTimeout:    15 * time.Second, // Generous timeout for ElastiCache across networks
		ReadTimeout:    10 * time.Second, // Read timeout for operations
		WriteTimeout:   10 * time.Second, // Write timeout for operations
		PoolSize:       10,
		MinIdleConns:   5,
		MaxConnAge:     30 * time.Minute,
		PoolTimeout:    4 * time.Second,
		IdleTimeout:    5 * time.Minute,
		RouteByLatency: true,
	}
}

// StreamsClient provides Redis Streams functionality with connection pooling
type StreamsClient struct {
	client redis.UniversalClient
	config *StreamsConfig
	logger observability.Logger
	mu     sync.RWMutex

	// Health check state
	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time
}

// NewStreamsClient creates a new Redis Streams client
func NewStreamsClient(config *StreamsConfig, logger observability.Logger) (*StreamsClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := &StreamsClient{
		config:  config,
		logger:  logger,
		healthy: true,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Start health check routine
	go client.healthCheckLoop()

	return client, nil
}

// connect establishes connection to Redis based on configuration
func (c *StreamsClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var client redis.UniversalClient

	if c.config.SentinelEnabled {
		// Sentinel mode for high availability
		if len(c.config.SentinelAddrs) == 0 {
			return fmt.Errorf("no Sentinel addresses configured")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.config.MasterName,
			SentinelAddrs:    c.config.SentinelAddrs,
			SentinelPassword: c.config.SentinelPassword,
			Username:         c.config.Username,
			Password:         c.config.Password,
			DB:               c.config.DB,
			MaxRetries:       c.config.MaxRetries,
			MinRetryBackoff:  c.config.RetryBackoff,
			DialTimeout:      c.config.DialTimeout,
			ReadTimeout:      c.config.ReadTimeout,
			WriteTimeout:     c.config.WriteTimeout,
			PoolSize:         c.config.PoolSize,
			MinIdleConns:     c.config.MinIdleConns,
			PoolTimeout:      c.config.PoolTimeout,
			ConnMaxIdleTime:  c.config.IdleTimeout,
			TLSConfig:        c.config.TLSConfig,
		})
	} else if c.config.ClusterEnabled {
		// Cluster mode for horizontal scaling
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           c.config.Addresses,
			Username:        c.config.Username,
			Password:        c.config.Password,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       c.config.TLSConfig,
			ReadOnly:        c.config.ReadOnly,
			RouteByLatency:  c.config.RouteByLatency,
		})
	} else {
		// Single instance mode
		if len(c.config.Addresses) == 0 {
			return fmt.Errorf("no Redis addresses configured")
		}

		client = redis.NewClient(&redis.Options{
			Addr:            c.config.Addresses[0],
			Username:        c.config.Username,
			Password:        c.config.Password,
			DB:              c.config.DB,
			MaxRetries:      c.config.MaxRetries,
			MinRetryBackoff: c.config.RetryBackoff,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       c.config.TLSConfig,
		})
	}

	// Test connection - use longer timeout for initial connection
	// This allows time for dial + TLS handshake + AUTH command
	testTimeout := c.config.DialTimeout + c.config.ReadTimeout
	if testTimeout == 0 {
		testTimeout = 20 * time.Second // Fallback for zero values
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.client = client
	c.logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      c.getMode(),
		"addresses": c.config.Addresses,
	})

	return nil
}

// getMode returns the current connection mode
func (c *StreamsClient) getMode() string {
	if c.config.SentinelEnabled {
		return "sentinel"
	}
	if c.config.ClusterEnabled {
		return "cluster"
	}
	return "single"
}

// healthCheckLoop runs periodic health checks
func (c *StreamsClient) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		c.checkHealth()
	}
}

// checkHealth performs a health check on the Redis connection
func (c *StreamsClient) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.client.Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the current health status
func (c *StreamsClient) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Close closes the Redis client connection
func (c *StreamsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client for direct access
func (c *StreamsClient) GetClient() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Stream Operations

// AddToStream adds a message to a Redis stream
func (c *StreamsClient) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	if !c.IsHealthy() {
		return "", fmt.Errorf("redis connection is unhealthy")
	}

	// Convert map to args
	args := redis.XAddArgs{
		Stream: stream,
		Values: values,
	}

	result := c.client.XAdd(ctx, &args)
	return result.Result()
}

// AddToStreamWithID adds a message with a specific ID to a Redis stream
func (c *StreamsClient) AddToStreamWithID(ctx context.Context, stream, id string, values map[string]interface{}) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	args := redis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: values,
	}

	return c.client.XAdd(ctx, &args).Err()
}

// ReadFromStream reads messages from a stream
func (c *StreamsClient) ReadFromStream(ctx context.Context, streams []string, count int64, block time.Duration) ([]redis.XStream, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	// Build stream arguments (stream_name > for new messages)
	streamArgs := make([]string, len(streams))
	copy(streamArgs, streams)

	// Add starting positions
	for range streams {
		streamArgs = append(streamArgs, ">")
	}

	args := &redis.XReadArgs{
		Streams: streamArgs,
		Count:   count,
		Block:   block,
	}

	return c.client.XRead(ctx, args).Result()
}

// CreateConsumerGroup creates a consumer group for a stream
func (c *StreamsClient) CreateConsumerGroup(ctx context.Context, stream, group string, start string) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XGroupCreate(ctx, stream, group, start).Err()
}

// CreateConsumerGroupMkStream creates a consumer group and the stream if it doesn't exist
func (c *StreamsClient) CreateConsumerGroupMkStream(ctx context.Context, stream, group string, start string) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

// ReadFromConsumerGroup reads messages from a consumer group
func (c *StreamsClient) ReadFromConsumerGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration, noAck bool) ([]redis.XStream, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	// Build stream arguments
	streamArgs := make([]string, len(streams))
	copy(streamArgs, streams)

	// Add starting positions (> for new messages in consumer group)
	for range streams {
		streamArgs = append(streamArgs, ">")
	}

	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streamArgs,
		Count:    count,
		Block:    block,
		NoAck:    noAck,
	}

	result, err := c.client.XReadGroup(ctx, args).Result()
	return result, err
}

// AckMessages acknowledges messages in a consumer group
func (c *StreamsClient) AckMessages(ctx context.Context, stream, group string, ids ...string) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XAck(ctx, stream, group, ids...).Err()
}

// ClaimMessages claims pending messages from other consumers
func (c *StreamsClient) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, ids ...string) ([]redis.XMessage, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdleTime,
		Messages: ids,
	}).Result()
}

// GetStreamInfo returns information about a stream
func (c *StreamsClient) GetStreamInfo(ctx context.Context, stream string) (*redis.XInfoStream, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XInfoStream(ctx, stream).Result()
}

// GetConsumerGroupInfo returns information about consumer groups
func (c *StreamsClient) GetConsumerGroupInfo(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.XInfoGroups(ctx, stream).Result()
}

// TrimStream trims a stream to a specific length
func (c *StreamsClient) TrimStream(ctx context.Context, stream string, maxLen int64, approximate bool) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	if approximate {
		return c.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err()
	}
	return c.client.XTrimMaxLen(ctx, stream, maxLen).Err()
}

// PendingEntry describes one entry from XPENDING's extended form, used by
// the Stream Worker to find and reclaim entries abandoned by a dead
// consumer.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// ListPending returns pending entries for a consumer group idle for at
// least minIdle, oldest first, capped at count entries.
func (c *StreamsClient) ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	res, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]PendingEntry, 0, len(res))
	for _, e := range res {
		entries = append(entries, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			Deliveries: e.RetryCount,
		})
	}
	return entries, nil
}

// List Operations (pseudo-sync response delivery)

// PushResponse appends a response payload to the list identified by key and
// resets its TTL so abandoned response lists do not leak.
func (c *StreamsClient) PushResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// WaitForResponse blocks up to timeout for a single payload to appear on the
// list identified by key. A zero-length result with a nil error means the
// wait timed out with nothing delivered; the caller must translate that into
// a timeout condition, never a stall.
func (c *StreamsClient) WaitForResponse(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if !c.IsHealthy() {
		return nil, fmt.Errorf("redis connection is unhealthy")
	}

	res, err := c.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value]
	if len(res) < 2 {
		return nil, fmt.Errorf("redisx: unexpected BLPOP result shape")
	}
	return []byte(res[1]), nil
}

// Key Operations (entity state)

// Get returns the raw bytes stored at key, and false if the key does not
// exist.
func (c *StreamsClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !c.IsHealthy() {
		return nil, false, fmt.Errorf("redis connection is unhealthy")
	}

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores value at key. A zero ttl means no expiration.
func (c *StreamsClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes key. It is not an error for key to already be absent.
func (c *StreamsClient) Delete(ctx context.Context, key string) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.Del(ctx, key).Err()
}

// Expire sets a new TTL on an existing key.
func (c *StreamsClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	return c.client.Expire(ctx, key, ttl).Err()
}

// StoreIfUnchanged performs a single-attempt optimistic update: it watches
// key, verifies its current bytes equal expected, and if so sets value
// inside the same transaction. It never retries internally; a version
// mismatch is surfaced as ErrVersionMismatch so the caller decides whether
// to reload and retry.
func (c *StreamsClient) StoreIfUnchanged(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if string(current) != string(expected) {
			return ErrVersionMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}

	err := c.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionMismatch
	}
	return err
}

// Scan iterates keys matching pattern using cursor-based SCAN, never KEYS,
// invoking fn for each key found. Iteration stops early if fn returns false.
func (c *StreamsClient) Scan(ctx context.Context, pattern string, fn func(key string) bool) error {
	if !c.IsHealthy() {
		return fmt.Errorf("redis connection is unhealthy")
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if !fn(key) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Counter Operations (usage and rate-limit tracking)

// IncrBy increments the counter at key by delta and, in the same
// transaction, sets its TTL to ttl on every call, so the key expires ttl
// after its most recent increment.
func (c *StreamsClient) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if !c.IsHealthy() {
		return 0, fmt.Errorf("redis connection is unhealthy")
	}

	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// CounterValue returns the current counter value at key, or 0 if absent.
func (c *StreamsClient) CounterValue(ctx context.Context, key string) (int64, error) {
	if !c.IsHealthy() {
		return 0, fmt.Errorf("redis connection is unhealthy")
	}

	val, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
