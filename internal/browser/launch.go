package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/chromedp"
	"github.com/jonboulle/clockwork"

	"github.com/pinchtab/authstream/internal/config"
)

// ErrRateLimited marks a launch failure the browser provider reports as
// temporary (too many concurrent browsers, HTTP 429).
var ErrRateLimited = errors.New("browser capacity exhausted")

// RateLimitError carries the provider's suggested wait, if any.
type RateLimitError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitError) Error() string {
	if e.Detail == "" {
		return ErrRateLimited.Error()
	}
	return ErrRateLimited.Error() + ": " + e.Detail
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsRateLimited reports whether err is a transient capacity failure and, if
// so, how long the provider asked us to wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, errors.Is(err, ErrRateLimited)
}

// RetryPolicy bounds LaunchWithRetry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func PolicyFromConfig(cfg *config.RuntimeConfig) RetryPolicy {
	return RetryPolicy{Attempts: cfg.LaunchRetries, Base: cfg.LaunchBackoff, Max: cfg.LaunchBackoffMax}
}

// LaunchWithRetry launches through l, retrying only rate-limited failures.
// Delays double from p.Base up to p.Max; a longer Retry-After from the
// provider replaces the computed delay, still capped at p.Max.
func LaunchWithRetry(ctx context.Context, l Launcher, p RetryPolicy, clk clockwork.Clock) (Capability, error) {
	return launchWithRetry(ctx, l, p, &clockTimer{clk: clk})
}

func launchWithRetry(ctx context.Context, l Launcher, p RetryPolicy, timer backoff.Timer) (Capability, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(attempts-1)), max: p.Max}
	b := backoff.WithContext(hinted, ctx)

	var (
		c     Capability
		tries int
	)
	op := func() error {
		tries++
		var err error
		c, err = l.Launch(ctx)
		if err == nil {
			return nil
		}
		retryAfter, transient := IsRateLimited(err)
		if !transient {
			return backoff.Permanent(err)
		}
		hinted.hint = retryAfter
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("browser launch rate limited, backing off", "attempt", tries, "of", attempts, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotifyWithTimer(op, b, notify, timer); err != nil {
		if _, transient := IsRateLimited(err); transient && ctx.Err() == nil {
			return nil, fmt.Errorf("launch failed after %d attempts: %w", tries, err)
		}
		return nil, err
	}
	return c, nil
}

// retryAfterBackOff stretches the next delay to the provider's
// Retry-After hint.
type retryAfterBackOff struct {
	backoff.BackOff
	max  time.Duration
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	if b.max > 0 && next > b.max {
		next = b.max
	}
	return next
}

// clockTimer drives backoff waits from a clockwork.Clock.
type clockTimer struct {
	clk clockwork.Clock
	t   clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.t == nil {
		t.t = t.clk.NewTimer(d)
		return
	}
	t.t.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.t.Chan() }

const browserStartTimeout = 20 * time.Second

// ChromeLauncher starts a fresh browser per session: a local Chrome with a
// throwaway profile, or a browser from the remote CDP endpoint in CdpURL.
type ChromeLauncher struct {
	Config *config.RuntimeConfig
	HTTP   *http.Client
}

func NewChromeLauncher(cfg *config.RuntimeConfig) *ChromeLauncher {
	return &ChromeLauncher{Config: cfg, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (l *ChromeLauncher) Launch(ctx context.Context) (Capability, error) {
	cfg := l.Config
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
		dataDir     string
	)

	if cfg.CdpURL != "" {
		wsURL, err := l.resolveDebuggerURL(ctx, cfg.CdpURL)
		if err != nil {
			return nil, err
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), wsURL)
	} else {
		dir, err := os.MkdirTemp("", "authstream-profile-")
		if err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		dataDir = dir
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg, dir)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := startBrowser(ctx, browserCtx, browserStartTimeout, func(c context.Context) error {
		return chromedp.Run(c)
	}); err != nil {
		cancel()
		if dataDir != "" {
			_ = os.RemoveAll(dataDir)
		}
		if looksRateLimited(err) {
			return nil, &RateLimitError{Detail: err.Error()}
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}

	c := &Chrome{
		ctx:      browserCtx,
		cancel:   cancel,
		viewport: Viewport{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
		timeout:  cfg.ActionTimeout,
		dataDir:  dataDir,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if err := c.setup(ctx, userAgentOverride(cfg.UserAgent, cfg.ChromeVersion)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("browser setup: %w", err)
	}
	slog.Info("browser launched", "remote", cfg.CdpURL != "", "viewport", fmt.Sprintf("%dx%d", cfg.ViewportWidth, cfg.ViewportHeight))
	return c, nil
}

// startBrowser makes the first Run on browserCtx, which allocates the
// browser. chromedp binds the browser process (or remote connection) to
// the context of that first Run, so it gets browserCtx itself; the start
// timeout and the caller's ctx are only waited on here.
func startBrowser(ctx, browserCtx context.Context, timeout time.Duration, run func(context.Context) error) error {
	startCtx, done := context.WithTimeout(context.Background(), timeout)
	defer done()

	errCh := make(chan error, 1)
	go func() { errCh <- run(browserCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-startCtx.Done():
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func allocatorOptions(cfg *config.RuntimeConfig, dataDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ChromeBinary != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromeBinary))
	}
	opts = append(opts,
		chromedp.UserDataDir(dataDir),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	for _, f := range strings.Fields(cfg.ChromeExtraFlags) {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// resolveDebuggerURL turns an http(s) CDP endpoint into the browser's
// websocket URL via /json/version. ws(s) URLs are used as-is.
func (l *ChromeLauncher) resolveDebuggerURL(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("cdp endpoint: %w", err)
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("cdp endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return "", &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Detail:     resp.Status,
		}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("cdp endpoint: unexpected status %s", resp.Status)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("cdp endpoint: decode version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("cdp endpoint: no webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func looksRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}
