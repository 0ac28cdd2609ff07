package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const maskedSecret = "******"

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return maskedSecret
	}
	c.Exchange.APIKey = mask(c.Exchange.APIKey)
	c.Exchange.SecretKey = mask(c.Exchange.SecretKey)
	c.AI.APIKey = mask(c.AI.APIKey)
	c.Notify.Telegram.BotToken = mask(c.Notify.Telegram.BotToken)
	if len(c.AI.Headers) > 0 {
		headers := make(map[string]string, len(c.AI.Headers))
		for k := range c.AI.Headers {
			headers[k] = maskedSecret
		}
		c.AI.Headers = headers
	}
	return c
}

// Summary renders the effective config as YAML, secrets masked, using the
// same key names as the config file.
func (c Config) Summary() (string, error) {
	var tree map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "toml", Result: &tree})
	if err != nil {
		return "", err
	}
	if err := dec.Decode(c.Redacted()); err != nil {
		return "", fmt.Errorf("flatten config: %w", err)
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
