package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/pinchtab/authstream/internal/browser"
)

func TestExtractDirectValue(t *testing.T) {
	d := testDetector(t)
	jar := &fakePage{
		title:   "general - Acme Corp",
		storage: map[string]string{"token": "AAA-12345"},
		cookies: []browser.Cookie{
			{Name: "d", Domain: "other.com", Value: "nope"},
			{Name: "d", Domain: "example.com", Value: "BBB-67890"},
		},
	}

	cred, err := d.Extract(context.Background(), jar, "https://app.example.com/client/T0123")
	if err != nil {
		t.Fatal(err)
	}
	want := Credential{
		Success:   true,
		Primary:   "AAA-12345",
		Secondary: "BBB-67890",
		RealmID:   "T0123",
		RealmName: "Acme Corp",
	}
	if cred != want {
		t.Errorf("got %+v, want %+v", cred, want)
	}
}

func TestExtractEmbeddedInJSON(t *testing.T) {
	d := testDetector(t)
	jar := &fakePage{
		storage: map[string]string{
			"a_unrelated":    `{"theme":"dark"}`,
			"localConfig_v2": `{"teams":{"T0123":{"name":"Acme","token":"AAA-abc_DEF-9"}}}`,
		},
		cookies: []browser.Cookie{{Name: "d", Domain: ".example.com", Value: "BBB-1"}},
	}

	cred, err := d.Extract(context.Background(), jar, "https://app.example.com/client/T0123")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Primary != "AAA-abc_DEF-9" {
		t.Errorf("primary = %q", cred.Primary)
	}
	if cred.Secondary != "BBB-1" {
		t.Errorf("leading dot on cookie domain should match, got %q", cred.Secondary)
	}
	if cred.RealmName != "T0123" {
		t.Errorf("realm name should fall back to id, got %q", cred.RealmName)
	}
}

func TestFindPrefixedInArrays(t *testing.T) {
	doc := map[string]any{
		"list": []any{map[string]any{"x": 1.0}, []any{"zzz", "AAA-deep"}},
	}
	if got := findPrefixed(doc, "AAA-"); got != "AAA-deep" {
		t.Errorf("findPrefixed = %q", got)
	}
}

func TestExtractMissingPrimary(t *testing.T) {
	d := testDetector(t)
	jar := &fakePage{
		storage: map[string]string{"token": "xyz"},
		cookies: []browser.Cookie{{Name: "d", Domain: "example.com", Value: "BBB-67890"}},
	}
	_, err := d.Extract(context.Background(), jar, "https://app.example.com/client/T1")
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Missing != "primary" {
		t.Fatalf("expected missing primary, got %v", err)
	}
}

func TestExtractMissingSecondary(t *testing.T) {
	d := testDetector(t)
	jar := &fakePage{
		storage: map[string]string{"token": "AAA-12345"},
		cookies: []browser.Cookie{
			{Name: "d", Domain: "sub.example.com", Value: "wrong-domain"},
			{Name: "dd", Domain: "example.com", Value: "wrong-name"},
		},
	}
	cred, err := d.Extract(context.Background(), jar, "https://app.example.com/client/T1")
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Missing != "secondary" {
		t.Fatalf("expected missing secondary, got %v", err)
	}
	if cred.Primary != "" || cred.Success {
		t.Error("no partial credential may be returned")
	}
}

func TestRealmNameFromTitle(t *testing.T) {
	tests := []struct {
		title, want string
	}{
		{"general - Acme", "Acme"},
		{"general (Channel) - Acme - 4 new items", "Acme"},
		{"general - 1 new item - Acme", "Acme"},
		{"Direct messages | Acme", "Acme"},
		{"Acme Slack", "Acme"},
		{"Loading…", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := RealmNameFromTitle(tt.title); got != tt.want {
			t.Errorf("RealmNameFromTitle(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestRealmID(t *testing.T) {
	d := testDetector(t)
	if got := d.RealmID("https://app.example.com/client/TABC/C1"); got != "TABC" {
		t.Errorf("RealmID = %q", got)
	}
	if got := d.RealmID("https://example.com/signin"); got != "" {
		t.Errorf("RealmID on non-matching url = %q", got)
	}
}
