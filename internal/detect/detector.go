// Package detect holds the heuristics that watch a login page: whether the
// browser has reached the authenticated area, whether a 2FA number is on
// screen, and, once logged in, where the two credential artifacts live.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pinchtab/authstream/internal/browser"
	"github.com/pinchtab/authstream/internal/config"
)

// Page is the slice of the browser the live checks read.
type Page interface {
	CurrentURL(ctx context.Context) (string, error)
	ScanSelectors(ctx context.Context, selectors []string) (string, error)
	ScanText(ctx context.Context) ([]browser.TextRun, error)
}

// Jar is what extraction reads once the login has completed.
type Jar interface {
	Title(ctx context.Context) (string, error)
	LocalStorage(ctx context.Context) (map[string]string, error)
	Cookies(ctx context.Context) ([]browser.Cookie, error)
}

type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalTwoFactor
	SignalLoginComplete
)

func (k SignalKind) String() string {
	switch k {
	case SignalTwoFactor:
		return "2fa"
	case SignalLoginComplete:
		return "login_complete"
	default:
		return "none"
	}
}

type Signal struct {
	Kind SignalKind
	Code string
	URL  string
}

// DefaultTwoFactorSelectors are elements number-matching prompts render
// their code into.
var DefaultTwoFactorSelectors = []string{
	`[data-qa="two_factor_number"]`,
	`[data-qa="number_matching_code"]`,
	`[data-testid="two-factor-code"]`,
	`.two_factor_number`,
	`.number-match-code`,
}

var numeral = regexp.MustCompile(`^[0-9]{2,3}$`)

type Options struct {
	AuthURLPattern     string
	PrimaryPrefix      string
	CookieName         string
	CookieDomain       string
	TwoFactorSelectors []string
	TwoFactorMinFontPx float64
}

func OptionsFromConfig(cfg *config.RuntimeConfig) Options {
	return Options{
		AuthURLPattern:     cfg.AuthURLPattern,
		PrimaryPrefix:      cfg.PrimaryPrefix,
		CookieName:         cfg.CookieName,
		CookieDomain:       cfg.CookieDomain,
		TwoFactorSelectors: DefaultTwoFactorSelectors,
		TwoFactorMinFontPx: cfg.TwoFactorMinFontPx,
	}
}

type Detector struct {
	opts       Options
	authURL    *regexp.Regexp
	primary    *regexp.Regexp
	strategies []codeStrategy
}

func New(opts Options) (*Detector, error) {
	authURL, err := regexp.Compile(opts.AuthURLPattern)
	if err != nil {
		return nil, fmt.Errorf("auth url pattern: %w", err)
	}
	if opts.PrimaryPrefix == "" {
		return nil, fmt.Errorf("primary prefix required")
	}
	if opts.CookieName == "" {
		return nil, fmt.Errorf("cookie name required")
	}
	d := &Detector{
		opts:    opts,
		authURL: authURL,
		primary: regexp.MustCompile(regexp.QuoteMeta(opts.PrimaryPrefix) + `[A-Za-z0-9_-]+`),
	}
	d.strategies = []codeStrategy{
		selectorStrategy{selectors: opts.TwoFactorSelectors},
		fontSizeStrategy{minPx: opts.TwoFactorMinFontPx},
	}
	return d, nil
}

// LoggedIn reports whether url is inside the authenticated area. This is
// URL shape only; nothing confirms the session server-side.
func (d *Detector) LoggedIn(url string) bool {
	return d.authURL.MatchString(url)
}

// Check inspects the page once. Errors never escape: a failed scan is
// logged and reported as SignalNone.
func (d *Detector) Check(ctx context.Context, page Page, completing bool) Signal {
	if completing {
		return Signal{}
	}
	url, err := page.CurrentURL(ctx)
	if err != nil {
		slog.Debug("detection failed", "step", "url", "err", err)
		return Signal{}
	}
	if d.LoggedIn(url) {
		return Signal{Kind: SignalLoginComplete, URL: url}
	}
	if code := d.TwoFactorCode(ctx, page); code != "" {
		return Signal{Kind: SignalTwoFactor, Code: code, URL: url}
	}
	return Signal{URL: url}
}

// TwoFactorCode runs the code strategies in order and returns the first
// hit, or "" when none matched.
func (d *Detector) TwoFactorCode(ctx context.Context, page Page) string {
	for _, s := range d.strategies {
		code, err := s.find(ctx, page)
		if err != nil {
			slog.Debug("detection failed", "strategy", s.name(), "err", err)
			continue
		}
		if code != "" {
			return code
		}
	}
	return ""
}

type codeStrategy interface {
	name() string
	find(ctx context.Context, page Page) (string, error)
}

type selectorStrategy struct {
	selectors []string
}

func (selectorStrategy) name() string { return "selectors" }

func (s selectorStrategy) find(ctx context.Context, page Page) (string, error) {
	if len(s.selectors) == 0 {
		return "", nil
	}
	text, err := page.ScanSelectors(ctx, s.selectors)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if numeral.MatchString(text) {
		return text, nil
	}
	return "", nil
}

// fontSizeStrategy picks the first short numeral rendered in a large font,
// which is how number-matching prompts display the code.
type fontSizeStrategy struct {
	minPx float64
}

func (fontSizeStrategy) name() string { return "font_size" }

func (s fontSizeStrategy) find(ctx context.Context, page Page) (string, error) {
	runs, err := page.ScanText(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		t := strings.TrimSpace(r.Text)
		if r.FontSize >= s.minPx && numeral.MatchString(t) {
			return t, nil
		}
	}
	return "", nil
}
