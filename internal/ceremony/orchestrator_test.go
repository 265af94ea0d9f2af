package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthenticator scripts the credential API for tests.
type fakeAuthenticator struct {
	response json.RawMessage
	err      error
	block    chan struct{}
}

func (f *fakeAuthenticator) Create(ctx context.Context, _ *protocol.CredentialCreation) (json.RawMessage, error) {
	return f.respond(ctx)
}

func (f *fakeAuthenticator) Get(ctx context.Context, _ *protocol.CredentialAssertion) (json.RawMessage, error) {
	return f.respond(ctx)
}

func (f *fakeAuthenticator) respond(ctx context.Context) (json.RawMessage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// messyAttestation builds a registration response the way a lenient
// client might: standard base64 with padding instead of base64url.
func messyAttestation(rawID, attObj, clientData []byte) json.RawMessage {
	enc := base64.StdEncoding.EncodeToString
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"rawId":%q,"type":"public-key","response":{"attestationObject":%q,"clientDataJSON":%q}}`,
		enc(rawID), enc(rawID), enc(attObj), enc(clientData),
	))
}

func TestRegister_NormalizesResponse(t *testing.T) {
	rawID := []byte{0xfb, 0xef, 0xff, 0x01}
	attObj := []byte("attestation-object-bytes")
	clientData := []byte(`{"type":"webauthn.create"}`)

	o := NewOrchestrator(&fakeAuthenticator{response: messyAttestation(rawID, attObj, clientData)}, nil)

	result, err := o.Register(context.Background(), "chal-1", &protocol.CredentialCreation{})
	require.NoError(t, err)
	assert.Equal(t, "chal-1", result.ChallengeID)
	assert.Equal(t, StateCeremonySucceeded, o.State())

	var p attestationPayload
	require.NoError(t, json.Unmarshal(result.Response, &p))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(rawID), p.ID)
	assert.Equal(t, RawBinary(rawID), p.RawID)
	assert.Equal(t, RawBinary(attObj), p.Response.AttestationObject)
	assert.Equal(t, RawBinary(clientData), p.Response.ClientDataJSON)
}

func TestNormalizeAttestation_Idempotent(t *testing.T) {
	raw := messyAttestation([]byte{1, 2, 3}, []byte("att"), []byte("cd"))

	once, err := NormalizeAttestation(raw)
	require.NoError(t, err)
	twice, err := NormalizeAttestation(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestRawBinary_AcceptsClientShapes(t *testing.T) {
	want := RawBinary{0xfb, 0xef, 0xff}

	tests := []struct {
		name  string
		input string
	}{
		{"base64url", `"--__"`},
		{"padded standard base64", `"++//="`},
		{"byte array", `[251,239,255]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RawBinary
			require.NoError(t, json.Unmarshal([]byte(tt.input), &got))
			assert.Equal(t, want, got)
		})
	}

	var null RawBinary
	require.NoError(t, json.Unmarshal([]byte("null"), &null))
	assert.Nil(t, null)

	var bad RawBinary
	assert.Error(t, json.Unmarshal([]byte(`[256]`), &bad))
}

func TestAuthenticate_UserDeclineIsCancellation(t *testing.T) {
	o := NewOrchestrator(&fakeAuthenticator{err: &PlatformError{Name: "NotAllowedError"}}, nil)

	_, err := o.Authenticate(context.Background(), "chal-2", &protocol.CredentialAssertion{})
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Cancelled())
	assert.Equal(t, StateCeremonyCancelled, o.State())
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"unsupported", &PlatformError{Name: "NotSupportedError"}, ClassUnsupported},
		{"security", &PlatformError{Name: "SecurityError", Message: "insecure context"}, ClassSecurity},
		{"constraint", &PlatformError{Name: "ConstraintError"}, ClassConstraint},
		{"concurrent platform call", &PlatformError{Name: "InvalidStateError"}, ClassConcurrent},
		{"aborted", &PlatformError{Name: "AbortError"}, ClassAborted},
		{"unknown platform error", &PlatformError{Name: "DataError"}, ClassInternal},
		{"plain error", errors.New("boom"), ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(&fakeAuthenticator{err: tt.err}, nil)
			_, err := o.Register(context.Background(), "c", &protocol.CredentialCreation{})

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.want, cerr.Class)
			assert.Equal(t, StateCeremonyFailed, o.State())
		})
	}
}

func TestRegister_SecondCallWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeAuthenticator{
		response: messyAttestation([]byte{9}, []byte("att"), []byte("cd")),
		block:    block,
	}
	o := NewOrchestrator(fake, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.Register(context.Background(), "c1", &protocol.CredentialCreation{})
		done <- err
	}()

	// Wait until the first ceremony reaches the authenticator call.
	require.Eventually(t, func() bool {
		return o.State() == StateInProgress
	}, time.Second, 5*time.Millisecond)

	_, err := o.Register(context.Background(), "c2", &protocol.CredentialCreation{})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ClassConcurrent, cerr.Class)

	close(block)
	require.NoError(t, <-done)

	// Terminal orchestrators are not reusable.
	_, err = o.Register(context.Background(), "c3", &protocol.CredentialCreation{})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ClassInternal, cerr.Class)
}

func TestAuthenticate_Timeout(t *testing.T) {
	fake := &fakeAuthenticator{block: make(chan struct{})}
	o := NewOrchestrator(fake, nil)

	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Timeout = 10

	_, err := o.Authenticate(context.Background(), "c", assertion)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ClassTimeout, cerr.Class)
	assert.NotEmpty(t, cerr.Class.Remedy())
}
