// Package broker connects to the Redis instance that backs cross-process
// room fan-out, shared presence, and rate-limit counters.
package broker

import (
	"context"
	"os"
	"time"

	"docsy/pkg/logger"

	"github.com/redis/go-redis/v9"
)

func Connect() *redis.Client {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Sugar.Fatalf("Invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Sugar.Fatalf("Could not connect to redis: %v", err)
	}
	logger.Sugar.Info("Successfully connected to redis")
	return client
}
