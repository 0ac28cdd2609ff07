// Package config loads the YAML configuration with include files, defaults
// for unset keys, secrets from the environment and hot reload of risk limits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces secret overrides, e.g. TRADELOOP_AI_API_KEY.
const EnvPrefix = "TRADELOOP_"

var secretEnv = map[string]func(c *Config, v string){
	"EXCHANGE_API_KEY":    func(c *Config, v string) { c.Exchange.APIKey = v },
	"EXCHANGE_SECRET_KEY": func(c *Config, v string) { c.Exchange.SecretKey = v },
	"AI_API_KEY":          func(c *Config, v string) { c.AI.APIKey = v },
	"TELEGRAM_BOT_TOKEN":  func(c *Config, v string) { c.Notify.Telegram.BotToken = v },
	"TELEGRAM_CHAT_ID":    func(c *Config, v string) { c.Notify.Telegram.ChatID = v },
	"LOG_LEVEL":           func(c *Config, v string) { c.App.LogLevel = v },
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped; existing variables win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(c *Config) {
	for suffix, set := range secretEnv {
		if v, ok := os.LookupEnv(EnvPrefix + suffix); ok && strings.TrimSpace(v) != "" {
			set(c, strings.TrimSpace(v))
		}
	}
}

func Load(path string) (*Config, error) {
	files, err := newIncludeResolver().resolve(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	applyEnv(&cfg)
	cfg.applyDefaults(explicitKeys(v.AllSettings()))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeFile layers one file over v. The include directive itself is not
// part of the configuration.
func mergeFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	settings := tmp.AllSettings()
	delete(settings, includeKey)
	return v.MergeConfigMap(settings)
}

// explicitKeys lists every dotted leaf path present in the merged files so
// defaults only fill what the operator left out.
func explicitKeys(settings map[string]any) keySet {
	keys := make(keySet)
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		m, ok := node.(map[string]any)
		if !ok {
			keys.mark(prefix)
			return
		}
		for k, child := range m {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if prefix != "" {
				k = prefix + "." + k
			}
			walk(k, child)
		}
	}
	walk("", settings)
	return keys
}
