package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "incidentdesk"
	audience          = "incidentdesk-api"
	secretEnvVariable = "INCIDENTDESK_AUTH_SECRET"

	// clockSkew tolerated on iat, nbf and exp.
	clockSkew = 5 * time.Second
)

var (
	errMissingSecret = errors.New("auth secret is not configured")

	defaultMu     sync.Mutex
	defaultSigner *Signer
	defaultErr    error
)

// Claims carried by desk tokens. Subject is the person id. The person's role
// is resolved from the store on every call, never from the token, so a
// reassignment takes effect immediately.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 desk tokens with one shared secret.
type Signer struct {
	key    []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewSigner builds a Signer for secret. Blank secrets are rejected.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	return &Signer{
		key: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue signs a token for personID valid for ttl.
func (s *Signer) Issue(personID, username string, ttl time.Duration) (string, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return "", errors.New("personID is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := s.now()
	claims := Claims{
		Username: strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   personID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and registered claims. Every rejection wraps
// ErrInvalidToken; the reason is kept for logs only.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return claims, nil
}

// Configure installs the process-wide signer, overriding the environment.
func Configure(secret string) error {
	s, err := NewSigner(secret)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSigner, defaultErr = s, nil
	return nil
}

// GenerateToken signs a token with the process-wide signer.
func GenerateToken(personID, username string, ttl time.Duration) (string, error) {
	s, err := signer()
	if err != nil {
		return "", err
	}
	return s.Issue(personID, username, ttl)
}

// ParseAndValidate verifies token with the process-wide signer.
func ParseAndValidate(token string) (*Claims, error) {
	s, err := signer()
	if err != nil {
		return nil, err
	}
	return s.Verify(token)
}

// signer returns the configured signer, falling back once to
// INCIDENTDESK_AUTH_SECRET.
func signer() (*Signer, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSigner == nil && defaultErr == nil {
		defaultSigner, defaultErr = NewSigner(os.Getenv(secretEnvVariable))
	}
	return defaultSigner, defaultErr
}

// ResetSecretForTests drops the process-wide signer. Only intended for test use.
func ResetSecretForTests() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSigner, defaultErr = nil, nil
}
