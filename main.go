package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/ssau-fiit/cloudocs-collab/config"
	"github.com/ssau-fiit/cloudocs-collab/database"
	"github.com/ssau-fiit/cloudocs-collab/hub"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func newApp() *cli.App {
	app := &cli.App{
		Name:    "cloudocs-collab",
		Usage:   "Real-time collaborative document sync",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a JSON config file"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error"},
			&cli.BoolFlag{Name: "pretty", Usage: "Human-readable console logs"},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCmd(),
			peerCmd(),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func setupLogging(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	zerolog.SetGlobalLevel(level)
	if c.Bool("pretty") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the collaboration hub and room API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "Override listen_addr"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("listen"); addr != "" {
				cfg.ListenAddr = addr
			}

			err = database.Init(database.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err != nil {
				return fmt.Errorf("could not connect to redis: %w", err)
			}
			rdb := database.Database()
			defer rdb.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			store := database.NewStore(rdb)
			h := hub.New(store, database.NewBroker(rdb), hub.WithMaxPending(cfg.MaxPendingOps))
			if err := h.Start(ctx); err != nil {
				return fmt.Errorf("could not subscribe to broker: %w", err)
			}

			srv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: newRouter(store, h),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("could not start server: %w", err)
			}
			return nil
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}
