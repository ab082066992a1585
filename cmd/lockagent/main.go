// lockagent bootstraps against a Lock Master, logs the policy bundle it
// receives and keeps it current over live sync. It is the reference host for
// the lockmaster package and a convenient way to check a deployment.
//
//	lockagent --config /etc/lock/agent.toml
//	lockagent --print-schema > agent.schema.json
//
// Every setting can also come from LOCK_* environment variables. The config
// file and the software statement file are watched; a change restarts the
// agent with the new settings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	lockmaster "github.com/ggoodman/lockmaster-go"
	"github.com/ggoodman/lockmaster-go/config"
	"github.com/ggoodman/lockmaster-go/internal/logctx"
	"github.com/ggoodman/lockmaster-go/statuslist/redisstore"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		printSchema bool
		logLevel    string
		logFormat   string
		once        bool
	)
	flagSet := pflag.NewFlagSet("lockagent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("LOCK_CONFIG_FILE"), "config file (.toml, .yaml, .json, .jsonc)")
	flagSet.BoolVar(&printSchema, "print-schema", false, "print the config JSON schema and exit")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.StringVar(&logFormat, "log-format", "", "override log.format (text, json)")
	flagSet.BoolVar(&once, "once", false, "bootstrap once and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if printSchema {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(config.Schema())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := make(chan struct{}, 1)
	if configPath != "" && !once {
		go func() {
			err := config.WatchFile(ctx, configPath, nil, func() { signal1(reload) })
			if err != nil {
				fmt.Fprintf(os.Stderr, "config watch disabled: %v\n", err)
			}
		}()
	}

	for {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		log, err := logctx.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		if cfg.SoftwareStatementFile != "" && !once {
			go func() {
				_ = config.WatchFile(runCtx, cfg.SoftwareStatementFile, log, func() { signal1(reload) })
			}()
		}
		done := make(chan error, 1)
		go func() { done <- agent(runCtx, cfg, log, once) }()

		select {
		case err := <-done:
			cancel()
			return err
		case <-reload:
			log.Info("lockagent.reload")
			cancel()
			if err := <-done; err != nil {
				log.Warn("lockagent.stopped", slog.String("err", err.Error()))
			}
		}
	}
}

// agent runs one client until ctx ends. With once it returns after the
// bootstrap.
func agent(ctx context.Context, cfg config.Config, log *slog.Logger, once bool) error {
	opts := []lockmaster.Option{lockmaster.WithLogger(log)}
	if cfg.Redis.Addr != "" {
		store, err := redisstore.New(ctx, redisstore.Config{Addr: cfg.Redis.Addr, KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()
		opts = append(opts, lockmaster.WithStore(store))
	}

	client, err := lockmaster.New[json.RawMessage](cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	store, err := client.Bootstrap(ctx)
	if err != nil {
		return err
	}
	log.Info("lockagent.bundle", slog.Int("bytes", len(store)), slog.String("policy_store_id", cfg.PolicyStoreID))
	if once || client.Sync() == nil {
		if !once {
			<-ctx.Done()
		}
		return nil
	}

	return client.Watch(ctx, func(b json.RawMessage) {
		log.Info("lockagent.bundle.updated", slog.Int("bytes", len(b)), slog.Int("status_lists", client.Cache().Len()))
	})
}

// signal1 records a pending reload without blocking.
func signal1(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
