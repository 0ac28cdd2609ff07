package config

import "strings"

// Config is the root of the tradeloop configuration file.
type Config struct {
	App        AppConfig        `toml:"app"`
	Exchange   ExchangeConfig   `toml:"exchange"`
	AI         AIConfig         `toml:"ai"`
	Risk       RiskConfig       `toml:"risk"`
	Decision   DecisionConfig   `toml:"decision"`
	Session    SessionConfig    `toml:"session"`
	Resilience ResilienceConfig `toml:"resilience"`
	Storage    StorageConfig    `toml:"storage"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
	LLMLog    string `toml:"llm_log_path"`
	LLMDump   bool   `toml:"llm_dump_payload"`
	AutoStart bool   `toml:"auto_start"`
}

// ExchangeConfig selects the venue. Name is "paper" or "binance".
type ExchangeConfig struct {
	Name              string      `toml:"name"`
	Symbols           []string    `toml:"symbols"`
	QuoteCurrency     string      `toml:"quote_currency"`
	UseFeed           bool        `toml:"use_feed"`
	APIKey            string      `toml:"api_key"`
	SecretKey         string      `toml:"secret_key"`
	RESTBaseURL       string      `toml:"rest_base_url"`
	TimeoutSeconds    int         `toml:"timeout_seconds"`
	FeeRate           float64     `toml:"fee_rate"`
	QuantityPrecision int32       `toml:"quantity_precision"`
	PricePrecision    int32       `toml:"price_precision"`
	Proxy             ProxyConfig `toml:"proxy"`
	Paper             PaperConfig `toml:"paper"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
	if p.WSURL == "" {
		p.WSURL = p.RESTURL
	}
}

type PaperConfig struct {
	InitialBalance      float64            `toml:"initial_balance"`
	Prices              map[string]float64 `toml:"prices"`
	FeedIntervalSeconds int                `toml:"feed_interval_seconds"`
	Volatility          float64            `toml:"volatility"`
}

// AIConfig describes the OpenAI compatible signal provider.
type AIConfig struct {
	Enabled           bool              `toml:"enabled"`
	Name              string            `toml:"name"`
	APIURL            string            `toml:"api_url"`
	APIKey            string            `toml:"api_key"`
	Model             string            `toml:"model"`
	Headers           map[string]string `toml:"headers"`
	TimeoutSeconds    int               `toml:"timeout_seconds"`
	Temperature       float64           `toml:"temperature"`
	RequestsPerMinute int               `toml:"requests_per_minute"`
}

// RiskConfig is hot reloadable.
type RiskConfig struct {
	MaxPositionSize    float64 `toml:"max_position_size"`
	MaxOpenPositions   int     `toml:"max_open_positions"`
	MaxDailyLoss       float64 `toml:"max_daily_loss"`
	StopLossPercentage float64 `toml:"stop_loss_percentage"`
	MinTradeValue      float64 `toml:"min_trade_value"`
	SlippagePercent    float64 `toml:"slippage_percent"`
	FeeRate            float64 `toml:"fee_rate"`
	SizingFraction     float64 `toml:"sizing_fraction"`
	SafetyEnabled      bool    `toml:"safety_enabled"`
	Timezone           string  `toml:"timezone"`
}

type DecisionConfig struct {
	MinConfidence         float64 `toml:"min_confidence"`
	MaxPositionsPerSymbol int     `toml:"max_positions_per_symbol"`
	MinTradeValue         float64 `toml:"min_trade_value"`
	ThrottleSeconds       int     `toml:"throttle_seconds"`
	SignalMaxAgeSeconds   int     `toml:"signal_max_age_seconds"`
	SweepIntervalSeconds  int     `toml:"sweep_interval_seconds"`
	IncreaseMinGainPct    float64 `toml:"increase_min_gain_pct"`
	IncreaseMinConfidence float64 `toml:"increase_min_confidence"`
	IncreaseMinBalance    float64 `toml:"increase_min_balance"`
	TakeProfitPct         float64 `toml:"take_profit_pct"`
	TakeProfitFraction    float64 `toml:"take_profit_fraction"`
	TakeProfitConfidence  float64 `toml:"take_profit_confidence"`
	ConcentrationPct      float64 `toml:"concentration_pct"`
}

type SessionConfig struct {
	SignalIntervalSeconds   int     `toml:"signal_interval_seconds"`
	PositionIntervalSeconds int     `toml:"position_interval_seconds"`
	RiskIntervalSeconds     int     `toml:"risk_interval_seconds"`
	MarketPollSeconds       int     `toml:"market_poll_seconds"`
	LatencyBudgetMillis     int     `toml:"latency_budget_ms"`
	StopLossSlippage        float64 `toml:"stop_loss_slippage"`
	DrainTimeoutSeconds     int     `toml:"drain_timeout_seconds"`
	OrderTimeoutSeconds     int     `toml:"order_timeout_seconds"`
}

type ResilienceConfig struct {
	ErrorThreshold          int            `toml:"error_threshold"`
	RecoveryTimeoutSeconds  int            `toml:"recovery_timeout_seconds"`
	NetworkTimeoutSeconds   int            `toml:"network_timeout_seconds"`
	BaseRetryDelayMillis    int            `toml:"base_retry_delay_ms"`
	MaxRetryDelaySeconds    int            `toml:"max_retry_delay_seconds"`
	MaxRetryAttempts        int            `toml:"max_retry_attempts"`
	RateLimitCooldowns      map[string]int `toml:"rate_limit_cooldown_seconds"`
	SnapshotIntervalSeconds int            `toml:"snapshot_interval_seconds"`
	ProbeIntervalSeconds    int            `toml:"probe_interval_seconds"`
	ProbeURLs               []string       `toml:"probe_urls"`
}

// StorageConfig picks the snapshot backend (sqlite, file or memory) and the
// journal database.
type StorageConfig struct {
	Snapshot        string `toml:"snapshot"`
	SnapshotPath    string `toml:"snapshot_path"`
	SnapshotHistory int    `toml:"snapshot_history"`
	JournalPath     string `toml:"journal_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
