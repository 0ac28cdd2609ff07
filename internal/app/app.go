package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeloop/internal/config"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/notifier"
	"tradeloop/internal/logger"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/session"
	livehttp "tradeloop/internal/transport/http/live"
)

const shutdownTimeout = 30 * time.Second

// App wires configuration, collaborators and the control surface, then runs
// them until the context ends.
type App struct {
	cfg      *config.Config
	bus      *events.Bus
	session  *session.Session
	risk     *risk.Engine
	liveHTTP *livehttp.Server
	relay    *notifier.Relay
	watcher  *config.Watcher
	closers  []io.Closer

	closeOnce sync.Once
	Summary   *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts)
}

// Run serves the control surface, relays alerts and optionally starts
// trading. On cancellation the session is stopped and resources are closed.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.session == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	if a.relay != nil {
		group.Go(func() error {
			return a.relay.Run(ctx)
		})
	}

	group.Go(func() error {
		if a.cfg.App.AutoStart {
			a.autoStart(ctx)
		}
		<-ctx.Done()
		return a.stopSession(ctx)
	})

	return group.Wait()
}

// autoStart logs startup failures instead of aborting so the operator can
// retry through the control surface.
func (a *App) autoStart(ctx context.Context) {
	err := a.session.StartTrading(ctx)
	var startErr *resilience.StartupError
	switch {
	case err == nil:
		logger.Infof("trading started automatically")
	case errors.As(err, &startErr):
		logger.Errorf("auto start failed service=%s retryable=%v: %v", startErr.Service, startErr.Retryable, startErr.Err)
	default:
		logger.Errorf("auto start failed: %v", err)
	}
}

func (a *App) stopSession(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := a.session.StopTrading(stopCtx)
	if err != nil && !errors.Is(err, session.ErrNotRunning) {
		return fmt.Errorf("stop trading: %w", err)
	}
	return nil
}

// Close releases storage handles. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() { closeAll(a.closers) })
}

// Session exposes the orchestrator, mainly for tests and replay harnesses.
func (a *App) Session() *session.Session {
	if a == nil {
		return nil
	}
	return a.session
}

func (a *App) Bus() *events.Bus {
	if a == nil {
		return nil
	}
	return a.bus
}

func (a *App) Watcher() *config.Watcher {
	if a == nil {
		return nil
	}
	return a.watcher
}
