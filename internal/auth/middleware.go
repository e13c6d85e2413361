package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	principalKey = "auth_principal"
	queryToken   = "token"
)

// Authenticate resolves the caller of r from its bearer header or, for
// websocket upgrades that cannot set headers, the token query parameter.
func (s *Service) Authenticate(r *http.Request) (Principal, error) {
	token := ExtractToken(r)
	userID, err := s.ValidateToken(r.Context(), token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: userID, Token: token}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal for UserIDFromContext.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Authenticate(c.Request)
		switch {
		case errors.Is(err, ErrTokenRequired):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFromContext returns the caller stored by Middleware.
func PrincipalFromContext(c *gin.Context) (Principal, bool) {
	val, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := val.(Principal)
	return p, ok
}

func UserIDFromContext(c *gin.Context) (int64, bool) {
	p, ok := PrincipalFromContext(c)
	return p.UserID, ok
}

func AuthTokenFromContext(c *gin.Context) (string, bool) {
	p, ok := PrincipalFromContext(c)
	return p.Token, ok && p.Token != ""
}

// ExtractToken returns the bearer token of r, falling back to the token query parameter.
func ExtractToken(r *http.Request) string {
	if scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(value)
	}
	return r.URL.Query().Get(queryToken)
}
