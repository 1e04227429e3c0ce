package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var c *redis.Client

// Options selects the redis server.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks that the server answers.
func Connect(opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Init sets the shared client returned by Database.
func Init(opts Options) error {
	rdb, err := Connect(opts)
	if err != nil {
		return err
	}
	c = rdb
	log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return nil
}

// Database returns the shared client, connecting to a local server on first
// use when Init was never called.
func Database() *redis.Client {
	if c == nil {
		if err := Init(Options{}); err != nil {
			log.Fatal().Err(err).Msg("could not connect to redis")
		}
	}
	return c
}
