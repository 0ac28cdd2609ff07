package config

import (
	"fmt"
	"strings"
	"time"
)

func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := c.Decision.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	return c.Notify.validate()
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Name {
	case "paper":
		if e.Paper.InitialBalance < 0 {
			return fmt.Errorf("exchange.paper.initial_balance must be >= 0")
		}
		for sym, px := range e.Paper.Prices {
			if px <= 0 {
				return fmt.Errorf("exchange.paper.prices.%s must be > 0", sym)
			}
		}
	case "binance":
		if strings.TrimSpace(e.RESTBaseURL) == "" {
			return fmt.Errorf("exchange.rest_base_url is required for binance")
		}
		if e.Proxy.Enabled && e.Proxy.RESTURL == "" {
			return fmt.Errorf("exchange.proxy.rest_url is required when proxy is enabled")
		}
	default:
		return fmt.Errorf("exchange.name must be paper or binance, got %q", e.Name)
	}
	if e.FeeRate < 0 || e.FeeRate >= 1 {
		return fmt.Errorf("exchange.fee_rate must be within [0,1)")
	}
	for _, sym := range e.Symbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("exchange.symbols contains an empty entry")
		}
	}
	return nil
}

func (a *AIConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if strings.TrimSpace(a.APIURL) == "" {
		return fmt.Errorf("ai.api_url is required when ai is enabled")
	}
	if strings.TrimSpace(a.Model) == "" {
		return fmt.Errorf("ai.model is required when ai is enabled")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be within [0,2]")
	}
	return nil
}

// Validate is also used when risk limits are hot reloaded.
func (r *RiskConfig) Validate() error {
	if r.MaxPositionSize < 0 || r.MaxDailyLoss < 0 || r.MinTradeValue < 0 {
		return fmt.Errorf("risk money limits must be >= 0")
	}
	if r.MaxOpenPositions < 0 {
		return fmt.Errorf("risk.max_open_positions must be >= 0")
	}
	if r.StopLossPercentage < 0 || r.StopLossPercentage >= 100 {
		return fmt.Errorf("risk.stop_loss_percentage must be within [0,100)")
	}
	if r.SizingFraction < 0 || r.SizingFraction > 1 {
		return fmt.Errorf("risk.sizing_fraction must be within [0,1]")
	}
	if r.FeeRate < 0 || r.FeeRate >= 1 {
		return fmt.Errorf("risk.fee_rate must be within [0,1)")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("risk.timezone: %w", err)
		}
	}
	return nil
}

func (d *DecisionConfig) validate() error {
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return fmt.Errorf("decision.min_confidence must be within [0,1]")
	}
	if d.TakeProfitFraction < 0 || d.TakeProfitFraction > 1 {
		return fmt.Errorf("decision.take_profit_fraction must be within [0,1]")
	}
	if d.ThrottleSeconds < 0 || d.SignalMaxAgeSeconds < 0 {
		return fmt.Errorf("decision durations must be >= 0")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if s.StopLossSlippage < 0 || s.StopLossSlippage >= 1 {
		return fmt.Errorf("session.stop_loss_slippage must be within [0,1)")
	}
	if s.OrderTimeoutSeconds < 0 {
		return fmt.Errorf("session.order_timeout_seconds must be >= 0")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Snapshot {
	case "sqlite", "file":
		if strings.TrimSpace(s.SnapshotPath) == "" {
			return fmt.Errorf("storage.snapshot_path is required for %s snapshots", s.Snapshot)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.snapshot must be sqlite, file or memory, got %q", s.Snapshot)
	}
	if s.SnapshotHistory < 0 {
		return fmt.Errorf("storage.snapshot_history must be >= 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
