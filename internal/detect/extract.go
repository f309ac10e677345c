package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Credential is the outcome of one session. On success both artifacts are
// set; on failure only Error is.
type Credential struct {
	Success   bool
	Primary   string
	Secondary string
	RealmID   string
	RealmName string
	Error     string
}

// ExtractionError means the login looked complete but an artifact was not
// where it should be.
type ExtractionError struct {
	Missing string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed: %s credential not found", e.Missing)
}

// Extract reads both artifacts plus the realm identity. It never returns a
// partial credential: either both artifacts are present or the error is an
// *ExtractionError.
func (d *Detector) Extract(ctx context.Context, jar Jar, url string) (Credential, error) {
	storage, err := jar.LocalStorage(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("read local storage: %w", err)
	}
	primary := d.findPrimary(storage)
	if primary == "" {
		return Credential{}, &ExtractionError{Missing: "primary"}
	}

	cookies, err := jar.Cookies(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("read cookies: %w", err)
	}
	var secondary string
	for _, c := range cookies {
		if c.Name == d.opts.CookieName && sameDomain(c.Domain, d.opts.CookieDomain) && c.Value != "" {
			secondary = c.Value
			break
		}
	}
	if secondary == "" {
		return Credential{}, &ExtractionError{Missing: "secondary"}
	}

	realmID := d.RealmID(url)
	realmName := realmID
	if title, err := jar.Title(ctx); err == nil {
		if name := RealmNameFromTitle(title); name != "" {
			realmName = name
		}
	}

	return Credential{
		Success:   true,
		Primary:   primary,
		Secondary: secondary,
		RealmID:   realmID,
		RealmName: realmName,
	}, nil
}

// RealmID is the first capture group of the auth URL pattern, or "" when
// the pattern has none or does not match.
func (d *Detector) RealmID(url string) string {
	m := d.authURL.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (d *Detector) findPrimary(storage map[string]string) string {
	keys := make([]string, 0, len(storage))
	for k := range storage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prefix := d.opts.PrimaryPrefix
	for _, k := range keys {
		v := storage[k]
		if !strings.Contains(v, prefix) {
			continue
		}
		if m := d.primary.FindString(v); m != "" {
			return m
		}
		var doc any
		if json.Unmarshal([]byte(v), &doc) == nil {
			if tok := findPrefixed(doc, prefix); tok != "" {
				return tok
			}
		}
	}
	return ""
}

func findPrefixed(v any, prefix string) string {
	switch x := v.(type) {
	case string:
		if strings.HasPrefix(x, prefix) {
			return x
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if tok := findPrefixed(x[k], prefix); tok != "" {
				return tok
			}
		}
	case []any:
		for _, item := range x {
			if tok := findPrefixed(item, prefix); tok != "" {
				return tok
			}
		}
	}
	return ""
}

func sameDomain(cookieDomain, want string) bool {
	return strings.EqualFold(strings.TrimPrefix(cookieDomain, "."), strings.TrimPrefix(want, "."))
}

// RealmNameFromTitle pulls the workspace name out of a page title such as
// "general - Acme", "general (Channel) - Acme - 4 new items", "DMs | Acme"
// or "Acme Slack". Returns "" when the title carries no name.
func RealmNameFromTitle(title string) string {
	title = strings.TrimSpace(title)
	switch {
	case strings.Contains(title, " - "):
		parts := strings.Split(title, " - ")
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p != "" && !isNotificationCount(p) {
				return p
			}
		}
		return ""
	case strings.Contains(title, " | "):
		parts := strings.Split(title, " | ")
		return strings.TrimSpace(parts[len(parts)-1])
	case strings.Contains(title, "Slack"):
		return strings.Trim(strings.ReplaceAll(title, "Slack", ""), " -|")
	}
	return ""
}

func isNotificationCount(s string) bool {
	return strings.HasSuffix(s, "new items") || strings.HasSuffix(s, "new item")
}
