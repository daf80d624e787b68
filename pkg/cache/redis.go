package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agicash/walletcore/pkg/log"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

var Client *redis.Client

func Init(cfg Config) error {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("failed to connect to redis", zap.Error(err))
		return err
	}

	Client = rdb
	log.Info("connected to redis", zap.String("host", cfg.Host))
	return nil
}

func Get(ctx context.Context, key string) (string, error) {
	val, err := Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		log.Error("failed to get key from redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := Client.Set(ctx, key, value, expiration).Err(); err != nil {
		log.Error("failed to set key in redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// GetObject unmarshals the stored JSON value for key into dst. It returns
// (false, nil) when the key is absent so callers can distinguish a cache
// miss from a decode error.
func GetObject(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, err := Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetObject marshals value as JSON and stores it under key.
func SetObject(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Set(ctx, key, raw, expiration)
}

func Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := Client.Del(ctx, keys...).Result()
	if err != nil {
		log.Error("failed to delete keys from redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Exists(ctx context.Context, key string) (bool, error) {
	res, err := Client.Exists(ctx, key).Result()
	if err != nil {
		log.Error("failed to check existence of key in redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

// SetNX sets key only if it does not already exist — the building block for
// the task-scope and treasury-style distributed locks.
func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := Client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		log.Error("failed to set NX key in redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func Incr(ctx context.Context, key string) (int64, error) {
	res, err := Client.Incr(ctx, key).Result()
	if err != nil {
		log.Error("failed to increment key in redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := Client.Expire(ctx, key, expiration).Err(); err != nil {
		log.Error("failed to set expiration on key in redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func Ping(ctx context.Context) error {
	return Client.Ping(ctx).Err()
}

func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
