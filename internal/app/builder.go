package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"tradeloop/internal/config"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/database"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/gateway/notifier"
	"tradeloop/internal/gateway/provider"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/symbol"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/session"
	"tradeloop/internal/store"
	livehttp "tradeloop/internal/transport/http/live"
)

type AppBuilder struct {
	cfg        *config.Config
	configPath string

	exchangeFn func(config.ExchangeConfig) (exchange.Exchange, error)
	providerFn func(config.AIConfig) (provider.SignalProvider, error)
	snapshotFn func(config.StorageConfig) (store.SnapshotStore, error)
	journalFn  func(config.StorageConfig) (*database.Journal, error)
	notifierFn func(config.NotifyConfig) (notifier.TextNotifier, error)
	liveHTTPFn func(config.AppConfig, livehttp.Controller, *database.Journal, *events.Bus) (*livehttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		exchangeFn: buildExchange,
		providerFn: buildProvider,
		snapshotFn: buildSnapshotStore,
		journalFn:  buildJournal,
		notifierFn: buildNotifier,
		liveHTTPFn: buildLiveHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build wires every collaborator. Resources opened before a failure are
// closed again.
func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []io.Closer
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	symbols := symbol.NormalizeList(cfg.Exchange.Symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("exchange.symbols is empty")
	}
	logger.Infof("✓ loaded %d symbols: %v", len(symbols), symbols)

	bus := events.NewBus()

	ex, err := b.exchangeFn(cfg.Exchange)
	if err != nil {
		return nil, err
	}
	sigProvider, err := b.providerFn(cfg.AI)
	if err != nil {
		return nil, err
	}

	snapshots, err := b.snapshotFn(cfg.Storage)
	if err != nil {
		return nil, err
	}
	closers = append(closers, snapshots)

	journal, err := b.journalFn(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if journal != nil {
		closers = append(closers, journal)
		logger.Infof("✓ trade journal at %s", journal.Path())
	}

	text, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return nil, err
	}

	monitor := buildNetworkMonitor(cfg.Resilience)
	res := resilience.NewManager(resilienceConfig(cfg.Resilience), bus, snapshots, monitor)
	riskEngine := risk.NewEngine(riskLimits(cfg.Risk), bus)
	decisionEngine := decision.NewEngine(decisionConfig(cfg.Decision), riskEngine)

	sessCfg := sessionConfig(cfg, sigProvider != nil)
	sessCfg.Symbols = symbols
	deps := session.Deps{
		Exchange:   ex,
		Provider:   sigProvider,
		Resilience: res,
		Risk:       riskEngine,
		Decision:   decisionEngine,
		Bus:        bus,
	}
	if journal != nil {
		deps.Journal = journal
	}
	sess, err := session.New(sessCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("init session: %w", err)
	}

	server, err := b.liveHTTPFn(cfg.App, sess, journal, bus)
	if err != nil {
		return nil, err
	}

	var relay *notifier.Relay
	if text != nil {
		relay = notifier.NewRelay(bus, text)
		logger.Infof("✓ telegram alerts enabled")
	}

	var watcher *config.Watcher
	if path := strings.TrimSpace(b.configPath); path != "" {
		watcher, err = config.NewWatcher(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("watch config: %w", err)
		}
		watcher.Subscribe(riskReloader(riskEngine))
	}

	providerName := "-"
	if sigProvider != nil {
		providerName = sigProvider.Name()
	}
	return &App{
		cfg:      cfg,
		bus:      bus,
		session:  sess,
		risk:     riskEngine,
		liveHTTP: server,
		relay:    relay,
		watcher:  watcher,
		closers:  closers,
		Summary: &StartupSummary{
			Exchange:  ex.Name(),
			Provider:  providerName,
			Symbols:   symbols,
			Snapshot:  cfg.Storage.Snapshot,
			Journal:   cfg.Storage.JournalPath,
			HTTPAddr:  cfg.App.HTTPAddr,
			Telegram:  relay != nil,
			AutoStart: cfg.App.AutoStart,
			Limits:    riskEngine.Limits(),
		},
	}, nil
}

// riskReloader pushes hot-reloaded risk limits into the engine. Other
// sections need a restart.
func riskReloader(engine *risk.Engine) config.ChangeListener {
	return func(c *config.Config) {
		if c == nil {
			return
		}
		if err := c.Risk.Validate(); err != nil {
			logger.Warnf("ignoring reloaded risk limits: %v", err)
			return
		}
		engine.UpdateLimits(riskLimits(c.Risk))
	}
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warnf("close failed: %v", err)
		}
	}
}

// WithConfigPath enables hot reload of the risk section from path.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) {
		b.configPath = path
	}
}

func WithExchange(fn func(config.ExchangeConfig) (exchange.Exchange, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.exchangeFn = fn
		}
	}
}

func WithProvider(fn func(config.AIConfig) (provider.SignalProvider, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.providerFn = fn
		}
	}
}

func WithSnapshotStore(fn func(config.StorageConfig) (store.SnapshotStore, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.snapshotFn = fn
		}
	}
}

func WithJournal(fn func(config.StorageConfig) (*database.Journal, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.journalFn = fn
		}
	}
}

func WithNotifier(fn func(config.NotifyConfig) (notifier.TextNotifier, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

func WithLiveHTTP(fn func(config.AppConfig, livehttp.Controller, *database.Journal, *events.Bus) (*livehttp.Server, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.liveHTTPFn = fn
		}
	}
}
