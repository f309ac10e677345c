// Package browser owns the controllable headless browser a session streams
// from: launching it (locally or through a remote CDP endpoint), capturing
// screencast frames, dispatching client input and reading page state.
package browser

import (
	"context"
	"errors"
)

// Capability is one exclusively owned browser instance. Implementations
// must be safe for concurrent use: frames, input and page inspection are
// driven from different goroutines.
type Capability interface {
	Navigate(ctx context.Context, url string) error

	// StartScreencast begins frame capture. onFrame is called from the
	// browser event goroutine and must not block. No further frame is
	// produced until the previous one has been passed to AckFrame.
	StartScreencast(ctx context.Context, opts ScreencastOptions, onFrame func(Frame)) error
	AckFrame(ctx context.Context, f Frame) error
	StopScreencast(ctx context.Context) error

	DispatchMouse(ctx context.Context, ev MouseEvent) error
	DispatchKey(ctx context.Context, ev KeyEvent) error
	DispatchScroll(ctx context.Context, ev ScrollEvent) error

	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	ScanSelectors(ctx context.Context, selectors []string) (string, error)
	ScanText(ctx context.Context) ([]TextRun, error)
	LocalStorage(ctx context.Context) (map[string]string, error)
	Cookies(ctx context.Context) ([]Cookie, error)

	// Close releases the browser. Safe to call more than once.
	Close() error
}

// Launcher allocates Capabilities.
type Launcher interface {
	Launch(ctx context.Context) (Capability, error)
}

type ScreencastOptions struct {
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// Frame is one captured JPEG. Data stays base64-encoded as the browser
// delivered it; AckID is what AckFrame needs.
type Frame struct {
	Data  string
	AckID int64
}

// TextRun is a visible text node and the computed font size of its parent.
type TextRun struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
}

type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	HTTPOnly bool
	Secure   bool
}

// ErrClosed is returned by operations on a released Capability.
var ErrClosed = errors.New("browser closed")
