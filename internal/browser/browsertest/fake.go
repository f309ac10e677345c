// Package browsertest provides an in-memory browser.Capability for tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/pinchtab/authstream/internal/browser"
)

// Page is the state a Fake reports back.
type Page struct {
	URL     string
	Title   string
	Storage map[string]string
	Cookies []browser.Cookie
	Text    []browser.TextRun
}

type Fake struct {
	mu       sync.Mutex
	page     Page
	navErr   error
	onFrame  func(browser.Frame)
	acks     int
	closed   int
	inputs   int
	navigate []string
}

func New() *Fake { return &Fake{} }

// FailNavigation makes every Navigate return err.
func (f *Fake) FailNavigation(err error) {
	f.mu.Lock()
	f.navErr = err
	f.mu.Unlock()
}

func (f *Fake) SetPage(p Page) {
	f.mu.Lock()
	f.page = p
	f.mu.Unlock()
}

// Emit delivers a frame as the browser would. It is a no-op before the
// screencast starts.
func (f *Fake) Emit(id int64) {
	f.mu.Lock()
	cb := f.onFrame
	f.mu.Unlock()
	if cb != nil {
		cb(browser.Frame{Data: "/9j/AAAA", AckID: id})
	}
}

func (f *Fake) Acks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Inputs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs
}

func (f *Fake) Navigated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigate...)
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return f.navErr
	}
	f.navigate = append(f.navigate, url)
	if f.page.URL == "" {
		f.page.URL = url
	}
	return nil
}

func (f *Fake) StartScreencast(_ context.Context, _ browser.ScreencastOptions, onFrame func(browser.Frame)) error {
	f.mu.Lock()
	f.onFrame = onFrame
	f.mu.Unlock()
	return nil
}

func (f *Fake) AckFrame(context.Context, browser.Frame) error {
	f.mu.Lock()
	f.acks++
	f.mu.Unlock()
	return nil
}

func (f *Fake) StopScreencast(context.Context) error { return nil }

func (f *Fake) DispatchMouse(context.Context, browser.MouseEvent) error   { return f.input() }
func (f *Fake) DispatchKey(context.Context, browser.KeyEvent) error       { return f.input() }
func (f *Fake) DispatchScroll(context.Context, browser.ScrollEvent) error { return f.input() }

func (f *Fake) input() error {
	f.mu.Lock()
	f.inputs++
	f.mu.Unlock()
	return nil
}

func (f *Fake) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.URL, nil
}

func (f *Fake) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.Title, nil
}

func (f *Fake) ScanSelectors(context.Context, []string) (string, error) { return "", nil }

func (f *Fake) ScanText(context.Context) ([]browser.TextRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.Text, nil
}

func (f *Fake) LocalStorage(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.Storage, nil
}

func (f *Fake) Cookies(context.Context) ([]browser.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page.Cookies, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// Launcher hands out Fakes. Errs are returned by the first launches, one
// per call, before any Fake is produced.
type Launcher struct {
	mu       sync.Mutex
	Errs     []error
	Calls    int
	Launched []*Fake
	// Prepare, when set, configures each Fake before it is returned.
	Prepare func(*Fake)
}

func (l *Launcher) Launch(context.Context) (browser.Capability, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.Calls
	l.Calls++
	if i < len(l.Errs) && l.Errs[i] != nil {
		return nil, l.Errs[i]
	}
	f := New()
	if l.Prepare != nil {
		l.Prepare(f)
	}
	l.Launched = append(l.Launched, f)
	return f, nil
}

func (l *Launcher) Last() *Fake {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Launched) == 0 {
		return nil
	}
	return l.Launched[len(l.Launched)-1]
}

func (l *Launcher) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Calls
}
