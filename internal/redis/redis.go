package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/task-relay/internal/domain"
)

// unlockScript deletes the key only while it still carries our token, so a lock that expired
// and was taken by another replica is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	RedisClient *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

var _ domain.DistributedLock = (*Client)(nil)

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	client := &Client{
		RedisClient: redis.NewClient(opts),
		tokens:      map[string]string{},
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	token := uuid.NewString()
	result, err = c.RedisClient.SetNX(ctx, lockKey, token, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}

	if result {
		c.mu.Lock()
		c.tokens[lockKey] = token
		c.mu.Unlock()
	}
	return result, nil
}

func (c *Client) Unlock(ctx context.Context, lockKey string) (err error) {
	c.mu.Lock()
	token, ok := c.tokens[lockKey]
	delete(c.tokens, lockKey)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	return unlockScript.Run(ctx, c.RedisClient, []string{lockKey}, token).Err()
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}
