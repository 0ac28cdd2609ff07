package app

import (
	"fmt"
	"strings"
	"time"

	"tradeloop/internal/config"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/binance"
	"tradeloop/internal/gateway/database"
	"tradeloop/internal/gateway/exchange"
	"tradeloop/internal/gateway/notifier"
	"tradeloop/internal/gateway/provider"
	"tradeloop/internal/logger"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/session"
	"tradeloop/internal/store"
	"tradeloop/internal/store/gormstore"
	livehttp "tradeloop/internal/transport/http/live"
)

var _ livehttp.Controller = (*session.Session)(nil)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func buildExchange(cfg config.ExchangeConfig) (exchange.Exchange, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "binance":
		ex, err := binance.New(binance.Config{
			APIKey:            cfg.APIKey,
			SecretKey:         cfg.SecretKey,
			RESTBaseURL:       cfg.RESTBaseURL,
			HTTPTimeout:       seconds(cfg.TimeoutSeconds),
			ProxyEnabled:      cfg.Proxy.Enabled,
			RESTProxyURL:      cfg.Proxy.RESTURL,
			WSProxyURL:        cfg.Proxy.WSURL,
			QuantityPrecision: cfg.QuantityPrecision,
			PricePrecision:    cfg.PricePrecision,
			FeeRate:           cfg.FeeRate,
		})
		if err != nil {
			return nil, fmt.Errorf("init binance exchange: %w", err)
		}
		logger.Infof("✓ exchange: binance %s", cfg.RESTBaseURL)
		return ex, nil
	case "", "paper":
		logger.Infof("✓ exchange: paper balance=%.2f %s", cfg.Paper.InitialBalance, cfg.QuoteCurrency)
		return exchange.NewPaper(exchange.PaperConfig{
			QuoteCurrency:  cfg.QuoteCurrency,
			InitialBalance: cfg.Paper.InitialBalance,
			FeeRate:        cfg.FeeRate,
			Prices:         cfg.Paper.Prices,
			FeedInterval:   seconds(cfg.Paper.FeedIntervalSeconds),
			Volatility:     cfg.Paper.Volatility,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Name)
	}
}

// buildProvider returns nil when AI signals are disabled.
func buildProvider(cfg config.AIConfig) (provider.SignalProvider, error) {
	if !cfg.Enabled {
		logger.Warnf("AI provider disabled, session runs on the decision sweep only")
		return nil, nil
	}
	p := provider.New(provider.Config{
		Name:         cfg.Name,
		APIURL:       cfg.APIURL,
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		Headers:      cfg.Headers,
		Timeout:      seconds(cfg.TimeoutSeconds),
		Temperature:  cfg.Temperature,
		RequestsPerM: cfg.RequestsPerMinute,
	})
	logger.Infof("✓ AI provider: %s", p.Name())
	return p, nil
}

func buildSnapshotStore(cfg config.StorageConfig) (store.SnapshotStore, error) {
	kind, err := store.ParseKind(cfg.Snapshot)
	if err != nil {
		return nil, err
	}
	switch kind {
	case store.KindSQLite:
		s, err := gormstore.NewGormStore(cfg.SnapshotPath, cfg.SnapshotHistory)
		if err != nil {
			return nil, fmt.Errorf("init sqlite snapshot store: %w", err)
		}
		return s, nil
	case store.KindFile:
		s, err := store.NewFileStore(cfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("init file snapshot store: %w", err)
		}
		return s, nil
	default:
		logger.Warnf("snapshot store is in-memory, state will not survive a restart")
		return store.NewMemoryStore(), nil
	}
}

// buildJournal returns nil when no journal path is configured.
func buildJournal(cfg config.StorageConfig) (*database.Journal, error) {
	path := strings.TrimSpace(cfg.JournalPath)
	if path == "" {
		return nil, nil
	}
	j, err := database.NewJournal(path)
	if err != nil {
		return nil, fmt.Errorf("init trade journal: %w", err)
	}
	return j, nil
}

func buildNotifier(cfg config.NotifyConfig) (notifier.TextNotifier, error) {
	if !cfg.Telegram.Enabled {
		return nil, nil
	}
	tg, err := notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	if err != nil {
		return nil, fmt.Errorf("init telegram: %w", err)
	}
	return tg, nil
}

func buildNetworkMonitor(cfg config.ResilienceConfig) *resilience.NetworkMonitor {
	if len(cfg.ProbeURLs) == 0 {
		return nil
	}
	probers := make(resilience.AnyProber, 0, len(cfg.ProbeURLs))
	for _, u := range cfg.ProbeURLs {
		if u = strings.TrimSpace(u); u != "" {
			probers = append(probers, resilience.HTTPProber{URL: u})
		}
	}
	return resilience.NewNetworkMonitor(probers, seconds(cfg.ProbeIntervalSeconds), seconds(cfg.NetworkTimeoutSeconds))
}

func buildLiveHTTPServer(cfg config.AppConfig, control livehttp.Controller, journal *database.Journal, bus *events.Bus) (*livehttp.Server, error) {
	sc := livehttp.ServerConfig{Addr: cfg.HTTPAddr, Control: control, Bus: bus}
	if journal != nil {
		sc.Journal = journal
	}
	server, err := livehttp.NewServer(sc)
	if err != nil {
		return nil, fmt.Errorf("init live http: %w", err)
	}
	logger.Infof("✓ live http on %s", server.Addr())
	return server, nil
}

func riskLimits(cfg config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxPositionSize:    cfg.MaxPositionSize,
		MaxOpenPositions:   cfg.MaxOpenPositions,
		MaxDailyLoss:       cfg.MaxDailyLoss,
		StopLossPercentage: cfg.StopLossPercentage,
		MinTradeValue:      cfg.MinTradeValue,
		SlippagePercent:    cfg.SlippagePercent,
		FeeRate:            cfg.FeeRate,
		SizingFraction:     cfg.SizingFraction,
		SafetyEnabled:      cfg.SafetyEnabled,
		Timezone:           cfg.Timezone,
	}
}

func decisionConfig(cfg config.DecisionConfig) decision.Config {
	return decision.Config{
		MinConfidence:         cfg.MinConfidence,
		MaxPositionsPerSymbol: cfg.MaxPositionsPerSymbol,
		MinTradeValue:         cfg.MinTradeValue,
		ThrottleWindow:        seconds(cfg.ThrottleSeconds),
		SignalMaxAge:          seconds(cfg.SignalMaxAgeSeconds),
		SweepInterval:         seconds(cfg.SweepIntervalSeconds),
		IncreaseMinGainPct:    cfg.IncreaseMinGainPct,
		IncreaseMinConfidence: cfg.IncreaseMinConfidence,
		IncreaseMinBalance:    cfg.IncreaseMinBalance,
		TakeProfitPct:         cfg.TakeProfitPct,
		TakeProfitFraction:    cfg.TakeProfitFraction,
		TakeProfitConfidence:  cfg.TakeProfitConfidence,
		ConcentrationPct:      cfg.ConcentrationPct,
	}
}

func resilienceConfig(cfg config.ResilienceConfig) resilience.Config {
	cooldowns := make(map[string]time.Duration, len(cfg.RateLimitCooldowns))
	for svc, secs := range cfg.RateLimitCooldowns {
		cooldowns[strings.ToLower(svc)] = seconds(secs)
	}
	return resilience.Config{
		ErrorThreshold:     cfg.ErrorThreshold,
		RecoveryTimeout:    seconds(cfg.RecoveryTimeoutSeconds),
		NetworkTimeout:     seconds(cfg.NetworkTimeoutSeconds),
		BaseRetryDelay:     time.Duration(cfg.BaseRetryDelayMillis) * time.Millisecond,
		MaxRetryDelay:      seconds(cfg.MaxRetryDelaySeconds),
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
		RateLimitCooldowns: cooldowns,
		SnapshotInterval:   seconds(cfg.SnapshotIntervalSeconds),
		ProbeInterval:      seconds(cfg.ProbeIntervalSeconds),
		ProbeTimeout:       seconds(cfg.NetworkTimeoutSeconds),
	}
}

func sessionConfig(cfg *config.Config, signals bool) session.Config {
	s := cfg.Session
	return session.Config{
		Symbols:          append([]string(nil), cfg.Exchange.Symbols...),
		QuoteCurrency:    cfg.Exchange.QuoteCurrency,
		SignalInterval:   seconds(s.SignalIntervalSeconds),
		PositionInterval: seconds(s.PositionIntervalSeconds),
		RiskInterval:     seconds(s.RiskIntervalSeconds),
		MarketPoll:       seconds(s.MarketPollSeconds),
		SignalsEnabled:   signals,
		UseFeed:          cfg.Exchange.UseFeed,
		LatencyBudget:    time.Duration(s.LatencyBudgetMillis) * time.Millisecond,
		StopLossSlippage: s.StopLossSlippage,
		DrainTimeout:     seconds(s.DrainTimeoutSeconds),
		OrderTimeout:     seconds(s.OrderTimeoutSeconds),
	}
}
