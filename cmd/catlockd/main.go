// Command catlockd runs the catalog lock manager with its admin API, the
// transactional event publisher and the event consumer.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadEnvFile(os.Getenv("CATLOCK_ENV_FILE")); err != nil {
		log.Fatal(err)
	}

	if err := newApp(serve).Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadEnvFile loads path, .env when empty, into the environment. A missing
// file is not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newApp(action func(ctx context.Context, cfg *daemonConfig) error) *cli.Command {
	return &cli.Command{
		Name:  "catlockd",
		Usage: "catalog document locking and transactional event publishing",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the lock manager, publisher, consumer and admin API",
				Flags: daemonFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := configFromCommand(cmd)
					if err != nil {
						return err
					}
					return action(ctx, cfg)
				},
			},
		},
	}
}

func serve(ctx context.Context, cfg *daemonConfig) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start catlockd: %w", err)
	}
	return d.run(ctx)
}
