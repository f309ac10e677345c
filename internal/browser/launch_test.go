package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// recordingTimer fires immediately and remembers each requested wait.
type recordingTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func (r *recordingTimer) Start(d time.Duration) {
	r.waits = append(r.waits, d)
	r.c = make(chan time.Time, 1)
	r.c <- time.Time{}
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

type scriptedLauncher struct {
	errs  []error
	calls int
}

func (l *scriptedLauncher) Launch(ctx context.Context) (Capability, error) {
	i := l.calls
	l.calls++
	if i < len(l.errs) && l.errs[i] != nil {
		return nil, l.errs[i]
	}
	return &Chrome{}, nil
}

func TestLaunchWithRetryRateLimitedTwice(t *testing.T) {
	timer := &recordingTimer{}
	l := &scriptedLauncher{errs: []error{
		&RateLimitError{Detail: "429 Too Many Requests"},
		&RateLimitError{Detail: "429 Too Many Requests"},
	}}

	c, err := launchWithRetry(context.Background(), l, RetryPolicy{Attempts: 3, Base: 2 * time.Second, Max: 30 * time.Second}, timer)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if c == nil {
		t.Fatal("expected capability")
	}
	if l.calls != 3 {
		t.Errorf("expected 3 launch attempts, got %d", l.calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(timer.waits) != len(want) {
		t.Fatalf("expected %d backoff delays, got %v", len(want), timer.waits)
	}
	for i := range want {
		if timer.waits[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, timer.waits[i], want[i])
		}
	}
}

func TestLaunchWithRetryGivesUp(t *testing.T) {
	timer := &recordingTimer{}
	rl := &RateLimitError{Detail: "busy"}
	l := &scriptedLauncher{errs: []error{rl, rl, rl, rl}}

	_, err := launchWithRetry(context.Background(), l, RetryPolicy{Attempts: 3, Base: time.Second}, timer)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRateLimited(err); !ok {
		t.Errorf("exhausted retries should still be classified as rate limited: %v", err)
	}
	if l.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", l.calls)
	}
	if len(timer.waits) != 2 {
		t.Errorf("expected 2 delays, got %v", timer.waits)
	}
}

func TestLaunchWithRetryFatalNoRetry(t *testing.T) {
	timer := &recordingTimer{}
	l := &scriptedLauncher{errs: []error{errors.New("exec: chrome not found")}}

	_, err := launchWithRetry(context.Background(), l, RetryPolicy{Attempts: 5, Base: time.Second}, timer)
	if err == nil {
		t.Fatal("expected error")
	}
	if l.calls != 1 {
		t.Errorf("fatal error must not be retried, got %d attempts", l.calls)
	}
	if len(timer.waits) != 0 {
		t.Errorf("expected no backoff, got %v", timer.waits)
	}
}

func TestLaunchWithRetryHonoursRetryAfter(t *testing.T) {
	timer := &recordingTimer{}
	l := &scriptedLauncher{errs: []error{&RateLimitError{RetryAfter: 10 * time.Second}}}

	if _, err := launchWithRetry(context.Background(), l, RetryPolicy{Attempts: 2, Base: time.Second, Max: 8 * time.Second}, timer); err != nil {
		t.Fatal(err)
	}
	if len(timer.waits) != 1 || timer.waits[0] != 8*time.Second {
		t.Errorf("expected Retry-After capped at 8s, got %v", timer.waits)
	}
}

func TestResolveDebuggerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Browser":"Chrome/144","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	l := &ChromeLauncher{HTTP: srv.Client()}
	got, err := l.resolveDebuggerURL(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Errorf("unexpected ws url %q", got)
	}

	ws, err := l.resolveDebuggerURL(context.Background(), "wss://browsers.example/session")
	if err != nil || ws != "wss://browsers.example/session" {
		t.Errorf("ws url should pass through, got %q, %v", ws, err)
	}
}

func TestResolveDebuggerURLRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	l := &ChromeLauncher{HTTP: srv.Client()}
	_, err := l.resolveDebuggerURL(context.Background(), srv.URL)
	after, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if after != 15*time.Second {
		t.Errorf("RetryAfter = %v, want 15s", after)
	}
}

func TestResolveDebuggerURLServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := &ChromeLauncher{HTTP: srv.Client()}
	_, err := l.resolveDebuggerURL(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRateLimited(err); ok {
		t.Error("500 must not be treated as transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("parseRetryAfter(30) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("parseRetryAfter(soon) = %v", got)
	}
}

func TestLooksRateLimited(t *testing.T) {
	if !looksRateLimited(errors.New("websocket: bad handshake (HTTP 429)")) {
		t.Error("429 handshake should look rate limited")
	}
	if looksRateLimited(errors.New("connection refused")) {
		t.Error("connection refused is not a rate limit")
	}
}

func TestClockTimerFollowsFakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	timer := &clockTimer{clk: clk}
	timer.Start(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("fired early")
	default:
	}
	clk.Advance(time.Second)
	select {
	case <-timer.C():
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}

	timer.Start(4 * time.Second)
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	timer.Stop()
}

// The first Run must get the long-lived browser context: chromedp ties
// the browser process to it.
func TestStartBrowserRunsOnBrowserContext(t *testing.T) {
	browserCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got context.Context
	err := startBrowser(context.Background(), browserCtx, time.Second, func(c context.Context) error {
		got = c
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != browserCtx {
		t.Fatal("first run did not receive the browser context")
	}
	if _, ok := got.Deadline(); ok {
		t.Error("browser context carries a deadline")
	}
	if got.Err() != nil {
		t.Errorf("browser context done after start: %v", got.Err())
	}
}

func TestStartBrowserTimeout(t *testing.T) {
	browserCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	defer close(release)

	err := startBrowser(context.Background(), browserCtx, 20*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if browserCtx.Err() != nil {
		t.Error("startBrowser must leave cancelling the browser to the caller")
	}
}

func TestStartBrowserCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := make(chan struct{})
	defer close(release)

	err := startBrowser(ctx, context.Background(), time.Minute, func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLaunchWithRetryStopsOnCancel(t *testing.T) {
	clk := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimitError{Detail: "busy"}
	l := &scriptedLauncher{errs: []error{rl, rl, rl}}

	errc := make(chan error, 1)
	go func() {
		_, err := LaunchWithRetry(ctx, l, RetryPolicy{Attempts: 3, Base: time.Second}, clk)
		errc <- err
	}()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := clk.BlockUntilContext(wctx, 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
