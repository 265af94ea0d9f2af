package browser

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

// Ceremony timeout bounds. Safari enforces stricter limits than the
// WebAuthn defaults, so policies cap rather than extend.
const (
	DefaultTimeout = 60 * time.Second
	MaxTimeout     = 120 * time.Second
)

// RegistrationPolicy shapes authenticator-selection criteria for a
// registration ceremony.
type RegistrationPolicy struct {
	ResidentKey      protocol.ResidentKeyRequirement
	UserVerification protocol.UserVerificationRequirement
	Attachment       protocol.AuthenticatorAttachment
	Timeout          time.Duration
}

// AuthenticationPolicy shapes verification requirements for an
// authentication ceremony.
type AuthenticationPolicy struct {
	UserVerification protocol.UserVerificationRequirement
	Timeout          time.Duration
	ConditionalUI    bool
}

// AdaptRegistrationPolicy encodes per-browser registration tie-breaks as
// data. It is a pure function of the snapshot: same input, same policy.
func AdaptRegistrationPolicy(caps Capabilities, requested time.Duration) RegistrationPolicy {
	pol := RegistrationPolicy{
		Timeout: clampTimeout(requested, MaxTimeout),
	}

	switch caps.BrowserFamily {
	case FamilySafari:
		// Safari balks at required verification on some authenticators but
		// stores resident keys fine; keep credentials discoverable.
		pol.UserVerification = protocol.VerificationPreferred
		pol.ResidentKey = protocol.ResidentKeyRequirementRequired
	case FamilyChrome:
		pol.UserVerification = protocol.VerificationRequired
		pol.ResidentKey = protocol.ResidentKeyRequirementRequired
	case FamilyFirefox:
		pol.UserVerification = protocol.VerificationPreferred
		pol.ResidentKey = protocol.ResidentKeyRequirementPreferred
	default:
		// Most conservative: require verification, assume nothing about
		// resident-key support.
		pol.UserVerification = protocol.VerificationRequired
		pol.ResidentKey = protocol.ResidentKeyRequirementDiscouraged
	}

	if caps.SupportsPlatformAuthenticator {
		pol.Attachment = protocol.Platform
	}
	return pol
}

// AdaptAuthenticationPolicy encodes per-browser authentication
// tie-breaks. Pure function of the snapshot.
func AdaptAuthenticationPolicy(caps Capabilities, requested time.Duration) AuthenticationPolicy {
	pol := AuthenticationPolicy{
		ConditionalUI: caps.SupportsConditionalMediation,
	}

	switch caps.BrowserFamily {
	case FamilySafari:
		pol.UserVerification = protocol.VerificationPreferred
		pol.Timeout = clampTimeout(requested, MaxTimeout)
	case FamilyChrome:
		pol.UserVerification = protocol.VerificationRequired
		pol.Timeout = clampTimeout(requested, 0)
	case FamilyFirefox:
		// Conditional UI ships behind flags on several Firefox releases.
		pol.UserVerification = protocol.VerificationPreferred
		pol.Timeout = clampTimeout(requested, MaxTimeout)
		pol.ConditionalUI = false
	default:
		pol.UserVerification = protocol.VerificationRequired
		pol.Timeout = clampTimeout(requested, MaxTimeout)
		pol.ConditionalUI = false
	}
	return pol
}

// clampTimeout applies the default when unset and the cap when one is
// given. A zero cap means the caller-supplied value is used as-is.
func clampTimeout(requested, cap time.Duration) time.Duration {
	if requested <= 0 {
		requested = DefaultTimeout
	}
	if cap > 0 && requested > cap {
		return cap
	}
	return requested
}
