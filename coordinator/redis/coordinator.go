package redis

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/redis/go-redis/v9"
)

const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const compareAndSwapScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0
`

const compareAndExpireScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Coordinator implements coordinator.Coordinator on top of Redis. Compare
// operations run as Lua scripts so the check and the write are one atomic
// step on the server.
type Coordinator struct {
	client redis.UniversalClient
	cad    *redis.Script
	cas    *redis.Script
	cae    *redis.Script
	logger logger.Logger
}

var _ coordinator.Coordinator = (*Coordinator)(nil)
var _ logger.Loggable = (*Coordinator)(nil)

func New(client redis.UniversalClient) *Coordinator {
	if client == nil || reflect.ValueOf(client).IsNil() {
		panic("redis client is mandatory")
	}
	return &Coordinator{
		client: client,
		cad:    redis.NewScript(compareAndDeleteScript),
		cas:    redis.NewScript(compareAndSwapScript),
		cae:    redis.NewScript(compareAndExpireScript),
		logger: &logger.NopLogger{},
	}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// SetLogger sets an optional logger.
func (c *Coordinator) SetLogger(l logger.Logger) {
	c.logger = l
}

func (c *Coordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, c.unreachable("SETNX", key, err)
	}
	return ok, nil
}

func (c *Coordinator) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.unreachable("GET", key, err)
	}
	return v, true, nil
}

func (c *Coordinator) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := c.cad.Run(ctx, c.client, []string{key}, expected).Int64()
	if err != nil {
		return false, c.unreachable("compare-and-delete", key, err)
	}
	return n == 1, nil
}

func (c *Coordinator) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	n, err := c.cas.Run(ctx, c.client, []string{key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, c.unreachable("compare-and-swap", key, err)
	}
	return n == 1, nil
}

func (c *Coordinator) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := c.cae.Run(ctx, c.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, c.unreachable("compare-and-expire", key, err)
	}
	return n == 1, nil
}

func (c *Coordinator) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, c.unreachable("DEL", key, err)
	}
	return n == 1, nil
}

func (c *Coordinator) unreachable(op, key string, err error) error {
	c.logger.Error(fmt.Sprintf("redis %s on '%s'", op, key), err)
	return fmt.Errorf("%w: %s: %v", coordinator.ErrUnreachable, op, err)
}
