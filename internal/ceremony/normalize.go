package ceremony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// RawBinary is a binary ceremony field in whatever shape the client
// sent it: unpadded or padded base64url, standard base64, or a JSON
// byte array. It always marshals back out as unpadded base64url, the
// canonical wire encoding. Normalizing an already-canonical value is a
// no-op.
type RawBinary []byte

func (b RawBinary) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

func (b *RawBinary) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		var nums []int
		if err := json.Unmarshal(data, &nums); err != nil {
			return fmt.Errorf("decode byte array: %w", err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return fmt.Errorf("byte array element %d out of range: %d", i, n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode binary field: %w", err)
	}
	decoded, err := decodeBase64(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// decodeBase64 accepts both base64url and standard base64, padded or
// not. The two alphabets only differ in two characters, so the presence
// of +/ picks the standard decoder.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "+/") {
		out, err := base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return out, nil
	}
	out, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return out, nil
}

type attestationPayload struct {
	ID                      string          `json:"id"`
	RawID                   RawBinary       `json:"rawId"`
	Type                    string          `json:"type"`
	AuthenticatorAttachment string          `json:"authenticatorAttachment,omitempty"`
	ClientExtensionResults  json.RawMessage `json:"clientExtensionResults,omitempty"`
	Response                struct {
		AttestationObject RawBinary `json:"attestationObject"`
		ClientDataJSON    RawBinary `json:"clientDataJSON"`
		Transports        []string  `json:"transports,omitempty"`
	} `json:"response"`
}

type assertionPayload struct {
	ID                      string          `json:"id"`
	RawID                   RawBinary       `json:"rawId"`
	Type                    string          `json:"type"`
	AuthenticatorAttachment string          `json:"authenticatorAttachment,omitempty"`
	ClientExtensionResults  json.RawMessage `json:"clientExtensionResults,omitempty"`
	Response                struct {
		AuthenticatorData RawBinary  `json:"authenticatorData"`
		ClientDataJSON    RawBinary  `json:"clientDataJSON"`
		Signature         RawBinary  `json:"signature"`
		UserHandle        *RawBinary `json:"userHandle,omitempty"`
	} `json:"response"`
}

// NormalizeAttestation rewrites a registration response so every binary
// field uses canonical unpadded base64url. Running it on its own output
// yields identical bytes.
func NormalizeAttestation(raw json.RawMessage) (json.RawMessage, error) {
	var p attestationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse attestation response: %w", err)
	}
	if len(p.RawID) == 0 {
		return nil, fmt.Errorf("attestation response has no credential id")
	}
	p.ID = base64.RawURLEncoding.EncodeToString(p.RawID)

	out, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode attestation response: %w", err)
	}
	return out, nil
}

// NormalizeAssertion is the authentication counterpart of
// NormalizeAttestation. An empty user handle is dropped rather than
// normalized to an empty string.
func NormalizeAssertion(raw json.RawMessage) (json.RawMessage, error) {
	var p assertionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse assertion response: %w", err)
	}
	if len(p.RawID) == 0 {
		return nil, fmt.Errorf("assertion response has no credential id")
	}
	p.ID = base64.RawURLEncoding.EncodeToString(p.RawID)
	if p.Response.UserHandle != nil && len(*p.Response.UserHandle) == 0 {
		p.Response.UserHandle = nil
	}

	out, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode assertion response: %w", err)
	}
	return out, nil
}
