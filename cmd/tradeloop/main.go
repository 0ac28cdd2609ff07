package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"tradeloop/internal/app"
	"tradeloop/internal/config"
	"tradeloop/internal/logger"
)

func main() {
	defaultPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/tradeloop.yaml"
	}
	cfgPath := flag.String("config", defaultPath, "path to the configuration file")
	envFile := flag.String("env", ".env", "dotenv file with secrets")
	watch := flag.Bool("watch", true, "hot reload risk limits when the config file changes")
	printCfg := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load %s failed: %v", *envFile, err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *printCfg {
		summary, err := cfg.Summary()
		if err != nil {
			log.Fatalf("render config failed: %v", err)
		}
		fmt.Print(summary)
		return
	}

	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("open log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetSignalWriter(nil)
	if cfg.App.LLMDump {
		f, err := setupSignalLogOutput(cfg.App.LLMLog)
		if err != nil {
			log.Fatalf("open signal log failed: %v", err)
		}
		if f != nil {
			defer f.Close()
		}
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	logger.EnableSignalPayloadDump(cfg.App.LLMDump)
	logger.Infof("✓ config loaded (env=%s, exchange=%s, path=%s)", cfg.App.Env, cfg.Exchange.Name, *cfgPath)

	var opts []app.AppBuilderOption
	if *watch {
		opts = append(opts, app.WithConfigPath(*cfgPath))
	}
	a, err := app.NewApp(cfg, opts...)
	if err != nil {
		log.Fatalf("init app failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
	logger.Infof("tradeloop stopped")
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

func setupSignalLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	logger.SetSignalWriter(f)
	return f, nil
}
