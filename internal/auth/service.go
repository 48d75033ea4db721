// Package auth authenticates API callers against the users listed in config
// and issues short-lived bearer tokens.
package auth

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/pipewatch/internal/config"
)

const issuer = "pipewatch"

// Service checks credentials and signs tokens. It is safe for concurrent use;
// the user table is fixed at construction.
type Service struct {
	users     map[string]config.AuthUser
	dummy     []byte
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// New builds a Service from the server.auth section.
func New(c config.AuthConfig) (*Service, error) {
	secret := []byte(c.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	users := make(map[string]config.AuthUser, len(c.Users))
	for _, u := range c.Users {
		users[u.Username] = u
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Service{users: users, dummy: dummy, jwtSecret: secret, tokenTTL: ttl, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(username, password string) (*Result, error) {
	u, ok := s.users[username]
	if !ok {
		// Unknown names cost the same as a wrong password.
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: u.Username, Role: u.Role, Method: MethodBasic}, nil
}

// IssueToken signs a bearer token for an authenticated caller.
func (s *Service) IssueToken(r *Result) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Username: r.Username,
		Role:     r.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   r.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// VerifyToken validates a bearer token. Tokens for users that have since been
// removed from config are rejected.
func (s *Service) VerifyToken(tokenString string) (*Result, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: u.Username, Role: u.Role, Method: MethodJWT}, nil
}

// CanWrite reports whether role may ingest or reset.
func CanWrite(role string) bool { return role == config.RoleOperator }
