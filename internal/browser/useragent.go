package browser

import (
	"runtime"
	"strings"

	"github.com/chromedp/cdproto/emulation"
)

// userAgentOverride builds a UA override whose client hints agree with the
// UA string, so login pages do not flag a mismatched headless browser.
// Returns nil when no user agent is configured.
func userAgentOverride(userAgent, chromeVersion string) *emulation.SetUserAgentOverrideParams {
	if userAgent == "" {
		return nil
	}

	major := chromeVersion
	if i := strings.Index(chromeVersion, "."); i > 0 {
		major = chromeVersion[:i]
	}

	hints := hostHints()
	return emulation.SetUserAgentOverride(userAgent).
		WithAcceptLanguage("en-US,en").
		WithPlatform(hints.navigatorPlatform).
		WithUserAgentMetadata(&emulation.UserAgentMetadata{
			Platform:        hints.name,
			PlatformVersion: hints.version,
			Architecture:    hints.arch,
			Bitness:         "64",
			Brands: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99"},
				{Brand: "Google Chrome", Version: major},
				{Brand: "Chromium", Version: major},
			},
			FullVersionList: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99.0.0.0"},
				{Brand: "Google Chrome", Version: chromeVersion},
				{Brand: "Chromium", Version: chromeVersion},
			},
		})
}

type platformHints struct {
	navigatorPlatform string
	name              string
	version           string
	arch              string
}

func hostHints() platformHints {
	arch := "x86"
	if runtime.GOARCH == "arm64" {
		arch = "arm"
	}
	switch runtime.GOOS {
	case "darwin":
		return platformHints{"MacIntel", "macOS", "14.0.0", arch}
	case "windows":
		return platformHints{"Win32", "Windows", "15.0.0", arch}
	default:
		return platformHints{"Linux x86_64", "Linux", "6.5.0", arch}
	}
}
