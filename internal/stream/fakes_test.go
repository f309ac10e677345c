package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pinchtab/authstream/internal/browser"
	"github.com/pinchtab/authstream/internal/detect"
	"github.com/pinchtab/authstream/internal/results"
	"github.com/pinchtab/authstream/internal/transport"
)

type fakeCapability struct {
	mu      sync.Mutex
	url     string
	title   string
	storage map[string]string
	cookies []browser.Cookie
	runs    []browser.TextRun
	navErr  error
	// dispatchErr, when set, fails the next DispatchMouse once.
	dispatchErr error

	onFrame func(browser.Frame)
	acks    []int64
	mouse   []browser.MouseEvent
	closed  int
}

func (f *fakeCapability) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	f.url = url
	return nil
}

func (f *fakeCapability) StartScreencast(_ context.Context, _ browser.ScreencastOptions, onFrame func(browser.Frame)) error {
	f.mu.Lock()
	f.onFrame = onFrame
	f.mu.Unlock()
	return nil
}

func (f *fakeCapability) AckFrame(_ context.Context, fr browser.Frame) error {
	f.mu.Lock()
	f.acks = append(f.acks, fr.AckID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCapability) StopScreencast(context.Context) error { return nil }

func (f *fakeCapability) DispatchMouse(_ context.Context, ev browser.MouseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dispatchErr; err != nil {
		f.dispatchErr = nil
		return err
	}
	f.mouse = append(f.mouse, ev)
	return nil
}

func (f *fakeCapability) DispatchKey(context.Context, browser.KeyEvent) error       { return nil }
func (f *fakeCapability) DispatchScroll(context.Context, browser.ScrollEvent) error { return nil }

func (f *fakeCapability) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeCapability) Title(context.Context) (string, error) { return f.title, nil }

func (f *fakeCapability) ScanSelectors(context.Context, []string) (string, error) { return "", nil }

func (f *fakeCapability) ScanText(context.Context) ([]browser.TextRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, nil
}

func (f *fakeCapability) LocalStorage(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storage, nil
}

func (f *fakeCapability) Cookies(context.Context) ([]browser.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies, nil
}

func (f *fakeCapability) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapability) set(fn func(f *fakeCapability)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeCapability) emit(id int64) {
	f.mu.Lock()
	cb := f.onFrame
	f.mu.Unlock()
	cb(browser.Frame{Data: "/9j/AAAA", AckID: id})
}

func (f *fakeCapability) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeCapability) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeChannel struct {
	mu   sync.Mutex
	msgs []any
	done chan struct{}
	once sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(msg any) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

// kinds renders messages as "status:ready", "frame", "2fa_code" and so on.
func (c *fakeChannel) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		switch v := m.(type) {
		case transport.Status:
			out = append(out, "status:"+v.Status)
		case transport.Frame:
			out = append(out, "frame")
		case transport.TwoFactorCode:
			out = append(out, "2fa_code")
		case transport.AuthComplete:
			if v.Success {
				out = append(out, "auth_complete:ok")
			} else {
				out = append(out, "auth_complete:failed")
			}
		}
	}
	return out
}

func (c *fakeChannel) raw() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := json.Marshal(c.msgs)
	return string(b)
}

func (c *fakeChannel) has(kind string) bool {
	for _, k := range c.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (c *fakeChannel) count(kind string) int {
	n := 0
	for _, k := range c.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

const authURL = "https://app.example.com/client/T0123/C1"

type harness struct {
	cap   *fakeCapability
	clk   *clockwork.FakeClock
	store *results.Memory
	ctrl  *Controller
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	det, err := detect.New(detect.Options{
		AuthURLPattern:     `app\.example\.com/client/([A-Z0-9]+)`,
		PrimaryPrefix:      "AAA-",
		CookieName:         "d",
		CookieDomain:       "example.com",
		TwoFactorMinFontPx: 28,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		cap: &fakeCapability{},
		clk: clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.store = results.NewMemory(h.clk)
	opts := Options{
		ID:                "sess_test",
		Capability:        h.cap,
		Detector:          det,
		Results:           h.store,
		Clock:             h.clk,
		GracePeriod:       180 * time.Second,
		CompletionLinger:  2 * time.Second,
		ExtractDelay:      3 * time.Second,
		ExtractAttempts:   3,
		ExtractRetryDelay: 2 * time.Second,
		ResultTTL:         5 * time.Minute,
		ActionTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = New(opts)
	t.Cleanup(h.ctrl.Cleanup)
	if err := h.ctrl.Start(context.Background(), "https://example.com/signin"); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, func() bool { return h.ctrl.Snapshot().State == want }, "state "+string(want))
}

// waitDetached returns once the grace timer is armed.
func (h *harness) waitDetached(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		s := h.ctrl.Snapshot()
		return s.State == StateDisconnectedGrace && !s.DisconnectDeadline.IsZero()
	}, "grace period")
}

func (h *harness) blockUntil(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
