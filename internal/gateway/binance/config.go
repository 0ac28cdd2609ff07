package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey      string
	SecretKey   string
	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string

	QuantityPrecision int32
	PricePrecision    int32
	FeeRate           float64
}

func (c *Config) withDefaults() Config {
	out := *c
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.SecretKey = strings.TrimSpace(out.SecretKey)
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	if out.QuantityPrecision <= 0 {
		out.QuantityPrecision = 3
	}
	if out.PricePrecision <= 0 {
		out.PricePrecision = 2
	}
	if out.FeeRate <= 0 {
		out.FeeRate = 0.0004
	}
	return out
}
