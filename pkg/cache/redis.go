package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeledger/conf"
)

var redisClient *redis.Client

// InitRedis 初始化redisClient
func InitRedis(ctx context.Context, redisCfg conf.RedisConfig) error {
	redisClient = redis.NewClient(&redis.Options{
		DB:              redisCfg.Db,
		Addr:            redisCfg.Addr,
		Password:        redisCfg.Password,
		PoolSize:        redisCfg.PoolSize,
		MinIdleConns:    redisCfg.MinIdleConns,
		ConnMaxIdleTime: time.Duration(redisCfg.IdleTimeout) * time.Second,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("redis ping %s: %w", redisCfg.Addr, err)
	}
	return nil
}

func GetRedisClient() *redis.Client {
	if nil == redisClient {
		panic("Please initialize the Redis client first!")
	}
	return redisClient
}

// 关闭redis client
func CloseRedis() {
	if nil != redisClient {
		_ = redisClient.Close()
	}
}
