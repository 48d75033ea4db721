package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's *Result.
const ResultKey = "auth_result"

type errorResp struct {
	Error string `json:"error"`
}

// Middleware guards gin routes. A nil *Middleware lets every request through.
type Middleware struct {
	svc *Service
}

// NewMiddleware returns a Middleware backed by svc.
func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

// GinAuth rejects requests without valid credentials with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="pipewatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: err.Error()})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequireWrite rejects viewers with 403. It must run after GinAuth.
func (m *Middleware) GinRequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		v, _ := c.Get(ResultKey)
		res, ok := v.(*Result)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: ErrInvalidCredentials.Error()})
			return
		}
		if !CanWrite(res.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

// Login handles POST /login: credentials in, bearer token out.
func (m *Middleware) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid login body"})
		return
	}
	res, err := m.svc.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	tok, err := m.svc.IssueToken(res)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

// authenticate tries a bearer token, then Basic credentials, then the
// access_token query parameter, which browsers need for websocket upgrades.
func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return m.svc.VerifyToken(strings.TrimSpace(value))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(username, password)
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return m.svc.VerifyToken(tok)
	}
	return nil, errors.New("authentication required")
}
