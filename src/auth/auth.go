// Package auth validates connection tokens, webhook signatures and the
// system API key. It never issues tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ScopeConnect is the capability a token must carry to open a WebSocket.
const ScopeConnect = "ws:connect"

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrMissingToken           = fmt.Errorf("%w: missing token", ErrUnauthorized)
	ErrInvalidToken           = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrInsufficientScope      = fmt.Errorf("%w: insufficient scope", ErrUnauthorized)
	ErrMissingAPIKey          = fmt.Errorf("%w: missing api key", ErrUnauthorized)
	ErrInvalidAPIKey          = fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	ErrSystemKeyNotConfigured = fmt.Errorf("%w: system api key not configured", ErrUnauthorized)
)

// TokenPayload is the identity carried by a verified connection token.
type TokenPayload struct {
	Subject   string         `json:"sub"`
	TenantID  string         `json:"tenant_id"`
	Scope     string         `json:"scope"`
	IssuedAt  time.Time      `json:"iat"`
	ExpiresAt time.Time      `json:"exp"`
	SessionID string         `json:"session_id,omitempty"`
	JTI       string         `json:"jti,omitempty"`
	Role      string         `json:"role,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Scopes splits the scope claim on whitespace.
func (p *TokenPayload) Scopes() []string {
	return strings.Fields(p.Scope)
}

// HasScope reports whether the token grants the given capability.
func (p *TokenPayload) HasScope(scope string) bool {
	for _, s := range p.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims is the JWT claim set accepted on connection tokens.
type Claims struct {
	TenantID  string         `json:"tenant_id"`
	Scope     string         `json:"scope"`
	SessionID string         `json:"session_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Config configures an Authenticator.
type Config struct {
	JWTSecret    string
	JWTAlgorithm string // HS256, HS384 or HS512
	Issuer       string
	Audience     string
	Leeway       time.Duration
	SystemAPIKey string
}

// Authenticator is stateless apart from its configuration.
type Authenticator struct {
	secret    []byte
	algorithm string
	issuer    string
	audience  string
	leeway    time.Duration
	systemKey []byte
	logger    zerolog.Logger
}

// New creates an Authenticator.
func New(cfg Config, logger zerolog.Logger) *Authenticator {
	alg := strings.ToUpper(strings.TrimSpace(cfg.JWTAlgorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(cfg.JWTSecret)),
		algorithm: alg,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		leeway:    leeway,
		systemKey: []byte(cfg.SystemAPIKey),
		logger:    logger.With().Str("component", "auth").Logger(),
	}
}

// VerifyConnectionToken validates a WebSocket connection token.
func (a *Authenticator) VerifyConnectionToken(token string) (*TokenPayload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: jwt secret not configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.algorithm}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrInvalidToken)
	}

	payload := &TokenPayload{
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt.Time,
		SessionID: claims.SessionID,
		JTI:       claims.ID,
		Role:      claims.Role,
		Metadata:  claims.Metadata,
	}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time
	}
	if !payload.HasScope(ScopeConnect) {
		return nil, fmt.Errorf("%w: %q required", ErrInsufficientScope, ScopeConnect)
	}
	return payload, nil
}

// VerifySystemAPIKey gates the global broadcast path. Missing and wrong keys
// are reported as different errors.
func (a *Authenticator) VerifySystemAPIKey(provided string) error {
	if len(a.systemKey) == 0 {
		a.logger.Error().Msg("system api key requested but not configured")
		return ErrSystemKeyNotConfigured
	}
	if provided == "" {
		a.logger.Warn().Msg("system api key missing")
		return ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(provided), a.systemKey) != 1 {
		a.logger.Warn().Msg("system api key invalid")
		return ErrInvalidAPIKey
	}
	return nil
}
