// Package options constructs WebAuthn ceremony parameters. Building is
// side-effect free: the fresh challenge is returned to the caller, who
// decides where (and whether) to persist it.
package options

import (
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/mmcm77/passkeys-sub000/internal/browser"
	"github.com/mmcm77/passkeys-sub000/internal/models"
)

// Builder produces registration and authentication options shaped by a
// browser capability policy.
type Builder struct {
	webauthn *webauthn.WebAuthn
}

func NewBuilder(wa *webauthn.WebAuthn) *Builder {
	return &Builder{webauthn: wa}
}

// BuildRegistrationOptions constructs creation options for a user. Every
// existing credential lands on the exclude list so the same authenticator
// cannot be registered twice. The returned session data carries the
// challenge and is not persisted here.
func (b *Builder) BuildRegistrationOptions(user *models.WebAuthnUser, pol browser.RegistrationPolicy) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	exclusions := make([]protocol.CredentialDescriptor, len(user.Credentials))
	for i, cred := range user.Credentials {
		exclusions[i] = cred.Descriptor()
	}

	selection := protocol.AuthenticatorSelection{
		ResidentKey:             pol.ResidentKey,
		UserVerification:        pol.UserVerification,
		AuthenticatorAttachment: pol.Attachment,
	}
	if pol.ResidentKey == protocol.ResidentKeyRequirementRequired {
		selection.RequireResidentKey = protocol.ResidentKeyRequired()
	}

	creation, session, err := b.webauthn.BeginRegistration(
		user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(selection),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build registration options: %w", err)
	}

	creation.Response.Timeout = int(pol.Timeout.Milliseconds())
	return creation, session, nil
}

// BuildAuthenticationOptions constructs assertion options. A nil user
// yields an empty allowCredentials list, enabling discoverable-credential
// flows where the authenticator names the credential and verification
// resolves identity from it.
func (b *Builder) BuildAuthenticationOptions(user *models.WebAuthnUser, pol browser.AuthenticationPolicy) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)

	if user == nil {
		assertion, session, err = b.webauthn.BeginDiscoverableLogin(
			webauthn.WithUserVerification(pol.UserVerification),
		)
	} else {
		assertion, session, err = b.webauthn.BeginLogin(
			user,
			webauthn.WithUserVerification(pol.UserVerification),
		)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build authentication options: %w", err)
	}

	assertion.Response.Timeout = int(pol.Timeout.Milliseconds())
	return assertion, session, nil
}
