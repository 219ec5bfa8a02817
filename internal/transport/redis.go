package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// Redis pushes transfer messages onto a list consumed by the relayer.
type Redis struct {
	client *redis.Client
	list   string
	now    func() time.Time
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	list := cfg.List
	if list == "" {
		list = "yieldvault:transfers"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Redis{client: client, list: list, now: time.Now}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Send(ctx context.Context, msg Message) (Ack, error) {
	body, err := Encode(msg)
	if err != nil {
		return Ack{}, err
	}
	n, err := r.client.LPush(ctx, r.list, body).Result()
	if err != nil {
		return Ack{}, fmt.Errorf("push transfer %s: %w", msg.TxRef, err)
	}
	return Ack{Ref: fmt.Sprintf("%s@%d", r.list, n), AcceptedAt: r.now()}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
