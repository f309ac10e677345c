package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Chrome is a Capability backed by one chromedp browser context.
type Chrome struct {
	ctx      context.Context
	cancel   context.CancelFunc
	viewport Viewport
	timeout  time.Duration
	dataDir  string

	mu       sync.Mutex
	lastX    float64
	lastY    float64
	closed   bool
	onFrame  func(Frame)
	listened bool
}

var _ Capability = (*Chrome)(nil)

func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	tCtx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tCtx, actions...)
}

// setup pins the viewport and applies the user-agent override.
func (c *Chrome) setup(ctx context.Context, ua *emulation.SetUserAgentOverrideParams) error {
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(c.viewport.Width), int64(c.viewport.Height), 1, false),
	}
	if ua != nil {
		actions = append(actions, ua)
	}
	return c.run(ctx, actions...)
}

// Navigate fires Page.navigate and waits briefly for the page to start
// loading rather than for the full load event, which SPAs may never emit.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			p := map[string]any{"url": url}
			var navResult json.RawMessage
			if err := chromedp.FromContext(ctx).Target.Execute(ctx, "Page.navigate", p, &navResult); err != nil {
				return fmt.Errorf("page.navigate: %w", err)
			}
			var resp struct {
				ErrorText string `json:"errorText"`
			}
			if err := json.Unmarshal(navResult, &resp); err == nil && resp.ErrorText != "" {
				return fmt.Errorf("navigate: %s", resp.ErrorText)
			}
			return nil
		}),
		chromedp.Sleep(500*time.Millisecond),
	)
}

func (c *Chrome) StartScreencast(ctx context.Context, opts ScreencastOptions, onFrame func(Frame)) error {
	c.mu.Lock()
	c.onFrame = onFrame
	needListen := !c.listened
	c.listened = true
	c.mu.Unlock()

	if needListen {
		chromedp.ListenTarget(c.ctx, func(ev any) {
			e, ok := ev.(*page.EventScreencastFrame)
			if !ok {
				return
			}
			c.mu.Lock()
			fn := c.onFrame
			c.mu.Unlock()
			if fn != nil {
				fn(Frame{Data: e.Data, AckID: e.SessionID})
			}
		})
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 60
	}
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(int64(quality)).
			WithMaxWidth(int64(opts.MaxWidth)).
			WithMaxHeight(int64(opts.MaxHeight)).
			Do(ctx)
	}))
}

func (c *Chrome) AckFrame(ctx context.Context, f Frame) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.ScreencastFrameAck(f.AckID).Do(ctx)
	}))
}

func (c *Chrome) StopScreencast(ctx context.Context) error {
	c.mu.Lock()
	c.onFrame = nil
	c.mu.Unlock()
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StopScreencast().Do(ctx)
	}))
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := c.run(ctx, chromedp.Location(&url))
	return url, err
}

func (c *Chrome) Title(ctx context.Context) (string, error) {
	var title string
	err := c.run(ctx, chromedp.Title(&title))
	return title, err
}

const scanSelectorsJS = `(() => {
	for (const s of %s) {
		let el;
		try { el = document.querySelector(s); } catch (e) { continue; }
		if (!el) continue;
		const t = (el.innerText || el.textContent || "").trim();
		if (t) return t;
	}
	return "";
})()`

// ScanSelectors returns the trimmed text of the first selector that matches
// an element with non-empty text.
func (c *Chrome) ScanSelectors(ctx context.Context, selectors []string) (string, error) {
	list, err := json.Marshal(selectors)
	if err != nil {
		return "", err
	}
	var text string
	err = c.run(ctx, chromedp.Evaluate(fmt.Sprintf(scanSelectorsJS, list), &text))
	return text, err
}

const scanTextJS = `(() => {
	const out = [];
	if (!document.body) return out;
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
	let n;
	while ((n = walker.nextNode()) && out.length < 500) {
		const t = n.textContent.trim();
		if (!t || t.length > 12) continue;
		const el = n.parentElement;
		if (!el) continue;
		const s = getComputedStyle(el);
		if (s.visibility === "hidden" || s.display === "none") continue;
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) continue;
		out.push({text: t, fontSize: parseFloat(s.fontSize) || 0});
	}
	return out;
})()`

// ScanText returns short visible text runs with their font size.
func (c *Chrome) ScanText(ctx context.Context) ([]TextRun, error) {
	var runs []TextRun
	err := c.run(ctx, chromedp.Evaluate(scanTextJS, &runs))
	return runs, err
}

const localStorageJS = `(() => {
	try {
		return JSON.stringify(Object.fromEntries(Object.keys(localStorage).map(k => [k, localStorage.getItem(k)])));
	} catch (e) {
		return "{}";
	}
})()`

func (c *Chrome) LocalStorage(ctx context.Context) (map[string]string, error) {
	var raw string
	if err := c.run(ctx, chromedp.Evaluate(localStorageJS, &raw)); err != nil {
		return nil, err
	}
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode localStorage: %w", err)
	}
	return out, nil
}

// Cookies returns every cookie in the browser, including HttpOnly ones
// that page script cannot see.
func (c *Chrome) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		out = make([]Cookie, 0, len(cookies))
		for _, ck := range cookies {
			out = append(out, Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
			})
		}
		return nil
	}))
	return out, err
}

func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onFrame = nil
	c.mu.Unlock()

	c.cancel()
	if c.dataDir != "" {
		if err := os.RemoveAll(c.dataDir); err != nil {
			slog.Warn("remove browser profile", "dir", c.dataDir, "err", err)
		}
	}
	return nil
}
