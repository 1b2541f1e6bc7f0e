// Package distributed provides Redis-backed infrastructure for running the
// rollout engine across processes: an asynq submission queue and worker, an
// execution tracker and an approval gate over pub/sub.
package distributed

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rollout"

// ParseRedisURL parses a redis:// URL into asynq connection options
func ParseRedisURL(redisURL string) (asynq.RedisConnOpt, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return opt, nil
}

// NewRedisClient builds a go-redis client sharing asynq's connection settings
func NewRedisClient(redisOpt asynq.RedisConnOpt) (redis.UniversalClient, error) {
	switch opt := redisOpt.(type) {
	case asynq.RedisClientOpt:
		return newSingleClient(&opt), nil
	case *asynq.RedisClientOpt:
		return newSingleClient(opt), nil
	case asynq.RedisClusterClientOpt:
		return newClusterClient(&opt), nil
	case *asynq.RedisClusterClientOpt:
		return newClusterClient(opt), nil
	default:
		return nil, fmt.Errorf("unsupported redis connection type %T", redisOpt)
	}
}

func newSingleClient(opt *asynq.RedisClientOpt) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Username: opt.Username,
		Password: opt.Password,
		DB:       opt.DB,
	})
}

func newClusterClient(opt *asynq.RedisClusterClientOpt) redis.UniversalClient {
	return redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    opt.Addrs,
		Username: opt.Username,
		Password: opt.Password,
	})
}
