// Package redis — клиент Redis для бэкенда леджера STORAGE_BACKEND=redis.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/config"
)

// NewClient создаёт клиент и проверяет соединение через PING.
func NewClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s недоступен: %w", cfg.RedisAddr, err)
	}

	log.WithFields(log.Fields{"addr": cfg.RedisAddr, "db": cfg.RedisDB}).Info("Подключение к Redis установлено")
	return client, nil
}
