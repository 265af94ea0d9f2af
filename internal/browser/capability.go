package browser

import "strings"

// Family identifies the browser engine family relevant to WebAuthn
// behavior differences.
type Family string

const (
	FamilySafari  Family = "Safari"
	FamilyChrome  Family = "Chrome"
	FamilyFirefox Family = "Firefox"
	FamilyUnknown Family = "Unknown"
)

// Capabilities is a snapshot of what the client runtime supports. It is
// produced once per session and passed explicitly through the call
// chain; policy logic never re-probes the environment.
type Capabilities struct {
	SupportsWebAuthn              bool   `json:"supportsWebAuthn"`
	SupportsConditionalMediation  bool   `json:"supportsConditionalMediation"`
	SupportsPlatformAuthenticator bool   `json:"supportsPlatformAuthenticator"`
	BrowserFamily                 Family `json:"browserFamily"`
	SecureContext                 bool   `json:"secureContext"`
}

// Prober is the oracle a runtime exposes for feature probes. Each probe
// may fail independently; Detect degrades a failed probe to false.
type Prober interface {
	HasWebAuthn() (bool, error)
	HasConditionalMediation() (bool, error)
	HasPlatformAuthenticator() (bool, error)
	UserAgent() string
	IsSecureContext() (bool, error)
}

// Detect builds a capability snapshot from a prober. Probe failures are
// not errors: the capability is simply reported as unsupported.
func Detect(p Prober) Capabilities {
	caps := Capabilities{
		BrowserFamily: ParseFamily(p.UserAgent()),
	}
	if ok, err := p.HasWebAuthn(); err == nil {
		caps.SupportsWebAuthn = ok
	}
	if ok, err := p.HasConditionalMediation(); err == nil {
		caps.SupportsConditionalMediation = ok
	}
	if ok, err := p.HasPlatformAuthenticator(); err == nil {
		caps.SupportsPlatformAuthenticator = ok
	}
	if ok, err := p.IsSecureContext(); err == nil {
		caps.SecureContext = ok
	}
	return caps
}

// ParseFamily classifies a user-agent string into a browser family.
// Order matters: Chrome-derived browsers also advertise Safari, and
// every family advertises Mozilla.
func ParseFamily(userAgent string) Family {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return FamilyUnknown
	case strings.Contains(ua, "firefox"):
		return FamilyFirefox
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "chrome"), strings.Contains(ua, "chromium"), strings.Contains(ua, "crios"):
		return FamilyChrome
	case strings.Contains(ua, "safari"):
		return FamilySafari
	default:
		return FamilyUnknown
	}
}

// Normalize fills in the browser family for snapshots that arrived
// without one, e.g. client-reported JSON missing the field.
func (c Capabilities) Normalize(userAgent string) Capabilities {
	if c.BrowserFamily == "" {
		c.BrowserFamily = ParseFamily(userAgent)
	}
	return c
}
