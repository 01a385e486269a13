// Package auth verifies operator credentials and issues the bearer tokens
// that gate the inspection surfaces.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/statorio/stator/pkg/core"
)

// Operator is one named credential allowed to use the inspection surfaces.
// SecretHash holds a bcrypt hash, never the secret itself.
type Operator struct {
	Name       string `yaml:"name" json:"name"`
	SecretHash string `yaml:"secretHash" json:"secretHash"`
}

// Config holds the token settings
type Config struct {
	// Secret signs and verifies tokens (HMAC)
	Secret string `yaml:"secret"`

	// Issuer is stamped into and required from every token
	Issuer string `yaml:"issuer"`

	// TokenTTL bounds token lifetime
	TokenTTL time.Duration `yaml:"tokenTtl"`

	// Leeway tolerates clock skew during verification
	Leeway time.Duration `yaml:"leeway"`

	// Operators lists the accepted credentials
	Operators []Operator `yaml:"operators"`
}

// DefaultConfig returns defaults; Secret and Operators must still be set
func DefaultConfig() Config {
	return Config{
		Issuer:   "stator",
		TokenTTL: time.Hour,
		Leeway:   30 * time.Second,
	}
}

// Service authenticates operators and mints bearer tokens
type Service struct {
	config    Config
	operators map[string]string
	now       func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithClock overrides the time source (for testing)
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the auth service.
// Fail-fast: a weak or missing signing secret is a configuration error.
func NewService(config Config, opts ...ServiceOption) (*Service, error) {
	if len(config.Secret) < 16 {
		return nil, core.NewError(core.CodeConfig, "auth secret must be at least 16 bytes")
	}
	if config.Issuer == "" {
		return nil, core.NewError(core.CodeConfig, "auth issuer cannot be empty")
	}
	if config.TokenTTL <= 0 {
		return nil, core.NewError(core.CodeConfig, "token TTL must be positive")
	}

	operators := make(map[string]string, len(config.Operators))
	for _, op := range config.Operators {
		if op.Name == "" || op.SecretHash == "" {
			return nil, core.NewError(core.CodeConfig,
				"every operator needs a name and a secret hash")
		}
		if _, dup := operators[op.Name]; dup {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("operator %s declared twice", op.Name))
		}
		operators[op.Name] = op.SecretHash
	}

	s := &Service{
		config:    config,
		operators: operators,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HashSecret bcrypt-hashes an operator secret for storage in configuration
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", core.WrapError(core.CodeConfig, "cannot hash secret", err)
	}
	return string(hash), nil
}

// Authenticate checks an operator's secret and returns a fresh token
func (s *Service) Authenticate(name, secret string) (string, error) {
	hash, known := s.operators[name]
	if !known {
		return "", core.NewError(core.CodeUnauthorized, "unknown operator")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", core.NewError(core.CodeUnauthorized, "invalid credentials")
	}
	return s.IssueToken(name)
}

// IssueToken mints a signed token for an already-authenticated subject
func (s *Service) IssueToken(subject string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iss": s.config.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(s.config.TokenTTL).Unix(),
	})
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", core.WrapError(core.CodeUnauthorized, "cannot sign token", err)
	}
	return signed, nil
}

// TokenTTL returns the configured token lifetime
func (s *Service) TokenTTL() time.Duration {
	return s.config.TokenTTL
}

// VerifyToken parses and validates a bearer token, returning its claims
func (s *Service) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(s.config.Secret), nil
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.config.Leeway))
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc, options...)
	if err != nil {
		return nil, core.WrapError(core.CodeUnauthorized, "invalid token", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, core.NewError(core.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// Subject returns the sub claim of verified claims
func Subject(claims jwt.MapClaims) string {
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}

// ParseBearer extracts the token from an Authorization header value
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", core.NewError(core.CodeUnauthorized, "authorization header missing")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", core.NewError(core.CodeUnauthorized, "invalid authorization header format")
	}
	return parts[1], nil
}
