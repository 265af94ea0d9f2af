// Package device implements advisory device recognition. A fingerprint
// derived from low-entropy browser signals decides whether to skip
// "set up a passkey on this device" style prompts; it never gates
// access and never substitutes for ceremony verification.
package device

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// PlaceholderFingerprint is returned when no browser signals are
// available, such as calls from native clients or tests.
const PlaceholderFingerprint = "no-browser-context"

// Signals are the stable, low-entropy inputs the fingerprint is built
// from. Deliberately coarse: this is recognition, not tracking.
type Signals struct {
	UserAgent      string `json:"userAgent,omitempty"`
	Platform       string `json:"platform,omitempty"`
	Language       string `json:"language,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	ScreenWidth    int    `json:"screenWidth,omitempty"`
	ScreenHeight   int    `json:"screenHeight,omitempty"`
	ColorDepth     int    `json:"colorDepth,omitempty"`
	TouchSupport   bool   `json:"touchSupport,omitempty"`
	CookiesEnabled bool   `json:"cookiesEnabled,omitempty"`
}

func (s Signals) empty() bool {
	return s == Signals{}
}

// Fingerprint is a derived device identifier plus the components that
// produced it, kept for debugging recognition mismatches.
type Fingerprint struct {
	Value      string            `json:"value"`
	Components map[string]string `json:"components,omitempty"`
}

// ComputeFingerprint hashes the signal components into a stable
// identifier. Identical signals always produce the same value; missing
// signals degrade to the fixed placeholder rather than erroring.
func ComputeFingerprint(signals Signals) Fingerprint {
	if signals.empty() {
		return Fingerprint{Value: PlaceholderFingerprint}
	}

	components := map[string]string{
		"userAgent": signals.UserAgent,
		"platform":  signals.Platform,
		"language":  signals.Language,
		"timezone":  signals.Timezone,
		"screen":    fmt.Sprintf("%dx%dx%d", signals.ScreenWidth, signals.ScreenHeight, signals.ColorDepth),
		"touch":     fmt.Sprintf("%t", signals.TouchSupport),
		"cookies":   fmt.Sprintf("%t", signals.CookiesEnabled),
	}

	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(components[k])
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return Fingerprint{
		Value:      base64.RawURLEncoding.EncodeToString(sum[:]),
		Components: components,
	}
}
