package main

import (
	"github.com/dmitrymomot/taskhub/pkg/config"
	"github.com/dmitrymomot/taskhub/pkg/email"
	"github.com/dmitrymomot/taskhub/pkg/httpserver"
	"github.com/dmitrymomot/taskhub/pkg/logger"
	"github.com/dmitrymomot/taskhub/pkg/pg"
	"github.com/dmitrymomot/taskhub/pkg/queue"
	"github.com/dmitrymomot/taskhub/pkg/redis"
	"github.com/dmitrymomot/taskhub/svc/billing"
)

type appConfig struct {
	Log     logger.Config
	PG      pg.Config
	Redis   redis.Config
	HTTP    httpserver.Config
	Queue   queue.Config
	Email   email.Config
	Billing billing.Config
}

func loadConfig(envFiles []string) (appConfig, error) {
	var cfg appConfig
	err := config.Load(&cfg, envFiles...)
	return cfg, err
}

// dbConfig is the subset the migrate command needs.
type dbConfig struct {
	Log logger.Config
	PG  pg.Config
}
