package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	captureimpl "github.com/kikulab/kikitori/external/capture"
	configloader "github.com/kikulab/kikitori/external/config"
	normalizeimpl "github.com/kikulab/kikitori/external/normalize"
	repositoryimpl "github.com/kikulab/kikitori/external/repository"
	transcriberimpl "github.com/kikulab/kikitori/external/transcriber"
	webhookimpl "github.com/kikulab/kikitori/external/webhook"
	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/session"
	"github.com/samber/do/v2"
)

func main() {
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "provider", cfg.Provider, "audio_input", cfg.AudioInput)

	injector := setupDI(cfg)
	runSession(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	captureimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	normalizeimpl.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)

	return injector
}

func runSession(cfg *config.Config, injector do.Injector) {
	controller, err := do.Invoke[*session.Controller](injector)
	if err != nil {
		slog.Error("failed to resolve session controller", "error", err)
		os.Exit(1)
	}

	if err := controller.Start(); err != nil {
		slog.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	fmt.Println("Listening. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(cfg.SnapshotIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	var lastShown string
	for {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			snap := controller.Stop()
			printFinal(snap)
			return
		case <-ticker.C:
			snap := controller.Snapshot()
			if snap.Status == session.StatusFailed {
				snap = controller.Stop()
				printFinal(snap)
				os.Exit(1)
			}
			if text := snap.FinalText + snap.InterimText; text != lastShown {
				lastShown = text
				fmt.Print("\033[H\033[2J")
				fmt.Println(text)
			}
			if snap.Status == session.StatusStopped {
				printFinal(snap)
				return
			}
		}
	}
}

func printFinal(snap session.Snapshot) {
	fmt.Println()
	fmt.Println("--- transcript ---")
	fmt.Println(snap.FinalText)
	if snap.Err != "" {
		fmt.Printf("session ended with error: %s\n", snap.Err)
	}
	if len(snap.LanguageHistory) > 0 {
		fmt.Printf("languages: %v\n", snap.LanguageHistory)
	}
}
