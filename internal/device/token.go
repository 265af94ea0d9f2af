package device

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuerName = "passkey-service"

// ErrInvalidToken is returned for tokens that fail signature, issuer,
// or expiry checks. The caller treats the device as unrecognized.
var ErrInvalidToken = errors.New("invalid device token")

// TokenClaims identify a recognized device: which user and credential
// it belongs to and the fingerprint it was minted against.
type TokenClaims struct {
	UserID       []byte
	CredentialID []byte
	Fingerprint  string
}

// TokenIssuer mints and verifies signed device tokens. Tokens are an
// optimization so returning devices skip the fingerprint round trip;
// losing one costs nothing but a prompt.
type TokenIssuer struct {
	secret   []byte
	lifetime time.Duration
}

func NewTokenIssuer(secret []byte, lifetime time.Duration) *TokenIssuer {
	if lifetime == 0 {
		lifetime = 30 * 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, lifetime: lifetime}
}

// Issue signs a device token for the given association.
func (t *TokenIssuer) Issue(claims TokenClaims) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  tokenIssuerName,
		"sub":  base64.RawURLEncoding.EncodeToString(claims.UserID),
		"cred": base64.RawURLEncoding.EncodeToString(claims.CredentialID),
		"fp":   claims.Fingerprint,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(t.lifetime).Unix(),
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a device token and returns its claims.
func (t *TokenIssuer) Verify(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(tokenIssuerName), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, err := decodeClaim(claims, "sub")
	if err != nil {
		return nil, err
	}
	credentialID, err := decodeClaim(claims, "cred")
	if err != nil {
		return nil, err
	}
	fingerprint, _ := claims["fp"].(string)

	return &TokenClaims{
		UserID:       userID,
		CredentialID: credentialID,
		Fingerprint:  fingerprint,
	}, nil
}

func decodeClaim(claims jwt.MapClaims, key string) ([]byte, error) {
	raw, ok := claims[key].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, key)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s claim", ErrInvalidToken, key)
	}
	return decoded, nil
}
