package persistence

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/xiebiao/tracseq-core/internal/config"
)

// NewRedisClient connects the event bus's Redis Streams backend from
// cfg.EventBus.URL (redis://[:password@]host:port/db, spec §6
// EVENT_BUS_URL), following the teacher's NewClient convention of pinging
// before returning so a startup failure is caught immediately rather than
// on the first publish.
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.EventBus.URL)
	if err != nil {
		return nil, fmt.Errorf("parse event_bus.url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Println("persistence: redis connection established")

	return client, nil
}
