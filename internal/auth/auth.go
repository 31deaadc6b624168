// Package auth implements the platform's three credential mechanisms:
//
//   - API keys: issued at registration, stored only as an HMAC digest
//     keyed by API_SECRET. Lookup is by digest, so a database leak does
//     not leak usable keys.
//   - Session tokens: short-lived HS256 JWTs bound to an agent id, for
//     clients that prefer not to send the API key on every request.
//   - Webhook signatures: HMAC-SHA256 over the exact payload bytes under
//     the agent's per-agent webhook secret, carried as
//     "X-WSS-Signature: sha256=<hex>". Verification is constant-time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader is the webhook signature header name.
const SignatureHeader = "X-WSS-Signature"

const (
	apiKeyPrefix = "wss_"
	apiKeyBytes  = 24
	secretBytes  = 32
	sessionTTL   = 24 * time.Hour
	sigPrefix    = "sha256="
)

// Service issues and verifies credentials. Construct one at startup and
// pass it where needed; there is no package-level state.
type Service struct {
	jwtSecret []byte
	apiSecret []byte
}

// New creates a Service from the validated process secrets.
func New(jwtSecret, apiSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		apiSecret: []byte(apiSecret),
	}
}

// IssueAPIKey generates a fresh API key. The plaintext goes to the agent
// exactly once; only the digest is persisted.
func (s *Service) IssueAPIKey() (plaintext, digest string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(buf)
	return plaintext, s.DigestAPIKey(plaintext), nil
}

// DigestAPIKey maps an API key to its stored digest.
func (s *Service) DigestAPIKey(key string) string {
	mac := hmac.New(sha256.New, s.apiSecret)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewWebhookSecret generates a per-agent webhook signing secret.
func (s *Service) NewWebhookSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SignSession mints a session JWT for an agent.
func (s *Service) SignSession(agentID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		Issuer:    "wallstreetsim",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// VerifySession validates a session JWT and returns the bound agent id.
func (s *Service) VerifySession(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("parse session: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("session token missing subject")
	}
	return claims.Subject, nil
}

// SignPayload computes the webhook signature header value for a body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return sigPrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a signature header value against a body. Comparison
// is constant-time byte-for-byte.
func VerifyPayload(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, sigPrefix) {
		return false
	}
	want := SignPayload(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}
