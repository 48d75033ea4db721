package auth

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and bad tokens.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden is returned when the caller's role may not perform the action.
	ErrForbidden = errors.New("insufficient permissions")
)

// Method records how a request was authenticated.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer token from /login
)

// Result represents the result of authentication
type Result struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Method   Method `json:"method"`
}

// Token represents a JWT token
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
