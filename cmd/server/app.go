package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/config"
	"github.com/isdmx/mcpsandbox/journal"
	"github.com/isdmx/mcpsandbox/logger"
	"github.com/isdmx/mcpsandbox/mcpserver"
	"github.com/isdmx/mcpsandbox/sandbox"
)

// minReapInterval keeps the idle reaper from spinning on tiny timeouts
const minReapInterval = time.Second

// appOptions wires the server for cfg
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),

		fx.Provide(
			logger.NewFromConfig,
			newFactory,
			newJournal,
			newRegistry,
			newMCPServer,
		),

		fx.Invoke(startReaper, startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newFactory(log *zap.Logger, cfg *config.Config) *sandbox.Factory {
	f := sandbox.NewDefaultFactory(log, cfg)
	log.Info("sandbox backends registered", zap.Strings("backends", f.Types()))
	return f
}

func newJournal(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*journal.Store, error) {
	store, err := journal.Open(log, cfg.Journal.DBPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// newRegistry builds the registry. Its stop hook is registered after the
// journal's, so sandboxes are closed (and journaled) before the journal is.
func newRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, factory *sandbox.Factory, store *journal.Store) *sandbox.Registry {
	reg := sandbox.NewRegistry(log, factory,
		sandbox.WithObserver(store),
		sandbox.WithCloseTimeout(cfg.GetCloseTimeout()))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("closing all sandboxes")
			return reg.CloseAll(ctx)
		},
	})
	return reg
}

func newMCPServer(cfg *config.Config, log *zap.Logger, reg *sandbox.Registry, store *journal.Store) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, reg, store)
}

func reapInterval(idle time.Duration) time.Duration {
	return max(idle/4, minReapInterval)
}

func startReaper(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, reg *sandbox.Registry) {
	idle := cfg.GetIdleTimeout()
	if idle <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("idle sandbox reaper started", zap.Duration("idle_timeout", idle))
			go func() {
				defer close(done)
				reg.RunReaper(ctx, reapInterval(idle), idle)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// startTransport serves MCP in the background. When the transport ends on
// its own (stdin closed, listener failure) the whole app shuts down.
func startTransport(lc fx.Lifecycle, sd fx.Shutdowner, log *zap.Logger, cfg *config.Config, srv *mcpserver.MCPServer) error {
	var serve func() error
	listen := func() error { return nil }
	switch cfg.Server.Transport {
	case "stdio":
		serve = srv.ServeStdio
	case "http":
		serve = srv.ServeHTTP
		listen = func() error {
			addr, err := srv.Listen()
			if err != nil {
				return err
			}
			log.Info("http listener bound", zap.String("addr", addr.String()))
			return nil
		}
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// bind before returning so a busy port fails startup
			if err := listen(); err != nil {
				return err
			}
			go func() {
				if err := serve(); err != nil {
					log.Error("transport stopped with error", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				log.Info("transport stopped")
				_ = sd.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return nil
}
