package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pinchtab/authstream/internal/authz"
	"github.com/pinchtab/authstream/internal/browser"
	"github.com/pinchtab/authstream/internal/config"
	"github.com/pinchtab/authstream/internal/detect"
	"github.com/pinchtab/authstream/internal/handlers"
	"github.com/pinchtab/authstream/internal/registry"
	"github.com/pinchtab/authstream/internal/results"
	"github.com/pinchtab/authstream/internal/vault"
)

var version = "dev"

const sweepInterval = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	bind       string
	port       string
	headless   bool
	logLevel   string
	version    bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags
	fs := pflag.NewFlagSet("authstream", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "config file (JSON or YAML)")
	fs.StringVar(&f.bind, "bind", "", "listen address")
	fs.StringVar(&f.port, "port", "", "listen port")
	fs.BoolVar(&f.headless, "headless", true, "run the local browser headless")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVarP(&f.version, "version", "v", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return &f, fs, nil
}

// apply lays explicitly set flags over the env/file configuration.
func (f *flags) apply(cfg *config.RuntimeConfig, fs *pflag.FlagSet) {
	if fs.Changed("bind") {
		cfg.Bind = f.bind
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("headless") {
		cfg.Headless = f.headless
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func run(args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.version {
		fmt.Printf("authstream %s\n", version)
		return nil
	}

	var cfg *config.RuntimeConfig
	if f.configPath != "" {
		cfg = config.LoadFrom(f.configPath)
	} else {
		cfg = config.Load()
	}
	f.apply(cfg, fs)

	if rest := fs.Args(); len(rest) > 0 {
		if rest[0] == "config" {
			return config.HandleConfigCommand(cfg, rest[1:])
		}
		return fmt.Errorf("unknown command: %s", rest[0])
	}

	slog.SetDefault(newLogger(cfg))
	return serve(cfg)
}

func newLogger(cfg *config.RuntimeConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func serve(cfg *config.RuntimeConfig) error {
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	det, err := detect.New(detect.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	v, err := vault.OpenSealed(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	store := results.NewMemory(nil)
	reg := registry.New(cfg, browser.NewChromeLauncher(cfg), det, store, nil)
	coord := authz.New(reg, store, v, nil, cfg.SessionTimeout)
	h := handlers.New(cfg, reg, coord, version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	doShutdown := func() { once.Do(cancel) }

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h.Handler(doShutdown),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return reg.Sweep(gctx, sweepInterval) })
	g.Go(func() error { return store.Run(gctx, sweepInterval) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		if err := reg.Shutdown(sctx); err != nil {
			slog.Warn("session shutdown incomplete", "err", err)
		}
		return nil
	})

	slog.Info("authstream listening", "addr", cfg.ListenAddr(), "cdp", cfg.CdpURL, "login", cfg.LoginURL, "version", version)
	if cfg.Token != "" {
		slog.Info("auth enabled", "token", config.MaskToken(cfg.Token))
	} else {
		slog.Warn("auth disabled (set AUTHSTREAM_TOKEN to enable)")
	}
	go runStartupHealthCheck(ctx, cfg)

	return g.Wait()
}

func runStartupHealthCheck(ctx context.Context, cfg *config.RuntimeConfig) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return
	}
	host := cfg.Bind
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%s/health", host, cfg.Port), nil)
	if err != nil {
		return
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("startup health check failed", "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		slog.Info("startup health check passed")
	} else {
		slog.Warn("startup health check unexpected status", "status", resp.StatusCode)
	}
}
