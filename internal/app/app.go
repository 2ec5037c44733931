package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marlin/internal/config"
	"marlin/internal/logger"
	"marlin/internal/session"
	"marlin/internal/store"
	"marlin/internal/transport/http/status"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: build the dependency graph,
// start the status server and the session, and translate OS signals into a
// graceful shutdown request.
type App struct {
	cfg     *config.Config
	runner  *session.Runner
	httpSrv *status.Server
	events  *store.Store
	cleanup func()
}

// New builds the application object without starting it.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg)
}

// Runner exposes the session runner (replay harnesses, tests).
func (a *App) Runner() *session.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}

// Run blocks until the session ends or an OS signal requests shutdown.
// Signals never kill the process directly: the first one posts a shutdown
// request and the session winds down through its normal path.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.cleanup()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warnf("received %s, requesting graceful shutdown", sig)
			a.runner.RequestShutdown(session.StopKillSwitch)
		case <-runCtx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	if a.httpSrv != nil {
		group.Go(func() error {
			if err := a.httpSrv.Start(groupCtx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		defer cancel()
		result, err := a.runner.Run(groupCtx)
		if result != nil {
			logger.Infof("session %s finished: status=%s reason=%s equity %.2f -> %.2f",
				result.SessionID, result.Status, result.StopReason,
				result.StartEquity, result.FinalEquity)
		}
		return err
	})
	return group.Wait()
}
