package config

import (
	"strings"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "data/logs/tradeloop.log"
	defaultAppLLMLogPath   = "data/logs/tradeloop-llm.log"
	defaultExchangeName    = "paper"
	defaultQuoteCurrency   = "USDT"
	defaultBinanceREST     = "https://fapi.binance.com"
	defaultExchangeTimeout = 10
	defaultExchangeFeeRate = 0.0004
	defaultQtyPrecision    = 3
	defaultPricePrecision  = 2
	defaultPaperBalance    = 10000
	defaultPaperFeed       = 5
	defaultPaperVolatility = 0.002
	defaultAIName          = "openai"
	defaultAIURL           = "https://api.openai.com/v1"
	defaultAIModel         = "gpt-4o-mini"
	defaultAITimeout       = 30
	defaultAIRPM           = 20
	defaultStorageKind     = "sqlite"
	defaultSnapshotPath    = "data/db/snapshot.db"
	defaultSnapshotHistory = 50
	defaultJournalPath     = "data/db/journal.db"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Decision.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Resilience.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
	e.Proxy.normalize()
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.quote_currency", &e.QuoteCurrency, defaultQuoteCurrency),
		boolFieldDefault("exchange.use_feed", &e.UseFeed, true),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultBinanceREST),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
		floatFieldDefault("exchange.fee_rate", &e.FeeRate, defaultExchangeFeeRate),
		fieldDefault{
			key:   "exchange.quantity_precision",
			need:  func() bool { return e.QuantityPrecision <= 0 },
			apply: func() { e.QuantityPrecision = defaultQtyPrecision },
		},
		fieldDefault{
			key:   "exchange.price_precision",
			need:  func() bool { return e.PricePrecision <= 0 },
			apply: func() { e.PricePrecision = defaultPricePrecision },
		},
		floatFieldDefault("exchange.paper.initial_balance", &e.Paper.InitialBalance, defaultPaperBalance),
		intFieldDefault("exchange.paper.feed_interval_seconds", &e.Paper.FeedIntervalSeconds, defaultPaperFeed),
		floatFieldDefault("exchange.paper.volatility", &e.Paper.Volatility, defaultPaperVolatility),
	)
	e.QuoteCurrency = strings.ToUpper(strings.TrimSpace(e.QuoteCurrency))
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("ai.enabled", &a.Enabled, true),
		stringFieldDefault("ai.name", &a.Name, defaultAIName),
		stringFieldDefault("ai.api_url", &a.APIURL, defaultAIURL),
		stringFieldDefault("ai.model", &a.Model, defaultAIModel),
		intFieldDefault("ai.timeout_seconds", &a.TimeoutSeconds, defaultAITimeout),
		intFieldDefault("ai.requests_per_minute", &a.RequestsPerMinute, defaultAIRPM),
	)
	a.APIURL = strings.TrimRight(strings.TrimSpace(a.APIURL), "/")
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_size", &r.MaxPositionSize, 1000),
		intFieldDefault("risk.max_open_positions", &r.MaxOpenPositions, 5),
		floatFieldDefault("risk.max_daily_loss", &r.MaxDailyLoss, 500),
		floatFieldDefault("risk.stop_loss_percentage", &r.StopLossPercentage, 5),
		floatFieldDefault("risk.min_trade_value", &r.MinTradeValue, 10),
		floatFieldDefault("risk.slippage_percent", &r.SlippagePercent, 2),
		floatFieldDefault("risk.fee_rate", &r.FeeRate, 0.001),
		floatFieldDefault("risk.sizing_fraction", &r.SizingFraction, 0.1),
		boolFieldDefault("risk.safety_enabled", &r.SafetyEnabled, true),
		stringFieldDefault("risk.timezone", &r.Timezone, "UTC"),
	)
}

func (d *DecisionConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("decision.min_confidence", &d.MinConfidence, 0.6),
		intFieldDefault("decision.max_positions_per_symbol", &d.MaxPositionsPerSymbol, 1),
		floatFieldDefault("decision.min_trade_value", &d.MinTradeValue, 10),
		intFieldDefault("decision.throttle_seconds", &d.ThrottleSeconds, 60),
		intFieldDefault("decision.signal_max_age_seconds", &d.SignalMaxAgeSeconds, 300),
		intFieldDefault("decision.sweep_interval_seconds", &d.SweepIntervalSeconds, 30),
		floatFieldDefault("decision.increase_min_gain_pct", &d.IncreaseMinGainPct, 2),
		floatFieldDefault("decision.increase_min_confidence", &d.IncreaseMinConfidence, 0.8),
		floatFieldDefault("decision.increase_min_balance", &d.IncreaseMinBalance, 50),
		floatFieldDefault("decision.take_profit_pct", &d.TakeProfitPct, 10),
		floatFieldDefault("decision.take_profit_fraction", &d.TakeProfitFraction, 0.5),
		floatFieldDefault("decision.take_profit_confidence", &d.TakeProfitConfidence, 0.8),
		floatFieldDefault("decision.concentration_pct", &d.ConcentrationPct, 30),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("session.signal_interval_seconds", &s.SignalIntervalSeconds, 30),
		intFieldDefault("session.position_interval_seconds", &s.PositionIntervalSeconds, 10),
		intFieldDefault("session.risk_interval_seconds", &s.RiskIntervalSeconds, 60),
		intFieldDefault("session.market_poll_seconds", &s.MarketPollSeconds, 10),
		intFieldDefault("session.latency_budget_ms", &s.LatencyBudgetMillis, 1000),
		floatFieldDefault("session.stop_loss_slippage", &s.StopLossSlippage, 0.01),
		intFieldDefault("session.drain_timeout_seconds", &s.DrainTimeoutSeconds, 15),
		intFieldDefault("session.order_timeout_seconds", &s.OrderTimeoutSeconds, 120),
	)
}

func (r *ResilienceConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("resilience.error_threshold", &r.ErrorThreshold, 10),
		intFieldDefault("resilience.recovery_timeout_seconds", &r.RecoveryTimeoutSeconds, 300),
		intFieldDefault("resilience.network_timeout_seconds", &r.NetworkTimeoutSeconds, 10),
		intFieldDefault("resilience.base_retry_delay_ms", &r.BaseRetryDelayMillis, 1000),
		intFieldDefault("resilience.max_retry_delay_seconds", &r.MaxRetryDelaySeconds, 60),
		intFieldDefault("resilience.max_retry_attempts", &r.MaxRetryAttempts, 5),
		intFieldDefault("resilience.snapshot_interval_seconds", &r.SnapshotIntervalSeconds, 30),
		intFieldDefault("resilience.probe_interval_seconds", &r.ProbeIntervalSeconds, 30),
	)
	if len(r.RateLimitCooldowns) == 0 && !keys.isSet("resilience.rate_limit_cooldown_seconds") {
		r.RateLimitCooldowns = map[string]int{"ai": 60, "exchange": 30}
	}
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	s.Snapshot = strings.ToLower(strings.TrimSpace(s.Snapshot))
	applyFieldDefaults(keys,
		stringFieldDefault("storage.snapshot", &s.Snapshot, defaultStorageKind),
		stringFieldDefault("storage.snapshot_path", &s.SnapshotPath, defaultSnapshotPath),
		intFieldDefault("storage.snapshot_history", &s.SnapshotHistory, defaultSnapshotHistory),
		stringFieldDefault("storage.journal_path", &s.JournalPath, defaultJournalPath),
	)
}

// applyFieldDefaults only touches keys the config files left unset.
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}
