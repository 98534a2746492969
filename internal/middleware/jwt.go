package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
	// ContextKeyToken holds the raw bearer token, forwarded to the attempt service.
	ContextKeyToken = "token"
)

var errTokenMissing = errors.New("authorization header or token query required")

// RequireStudentJWT validates a student JWT from the Authorization header.
func RequireStudentJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireJWT(authService, service.TokenTypeStudent, false)
}

// RequireAdminJWT validates an admin JWT from the Authorization header.
// EventSource clients may pass ?token= instead.
func RequireAdminJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireJWT(authService, service.TokenTypeAdmin, true)
}

// RequireStudentWSAuth validates a student JWT from the query param ?token=...
// Used for WebSocket upgrade requests.
func RequireStudentWSAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authorize(c, authService, tokenStr, service.TokenTypeStudent)
	}
}

func requireJWT(authService *service.AuthService, typ service.TokenType, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c, allowQuery)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authorize(c, authService, tokenStr, typ)
	}
}

func authorize(c *gin.Context, authService *service.AuthService, tokenStr string, typ service.TokenType) {
	claims, err := authService.ValidateToken(tokenStr)
	if err != nil {
		code := response.ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = response.ErrTokenExpired
		}
		response.AbortFail(c, http.StatusUnauthorized, code)
		return
	}

	if claims.TokenType != typ {
		code := response.ErrStudentAccessOnly
		if typ == service.TokenTypeAdmin {
			code = response.ErrAdminAccessOnly
		}
		response.AbortFail(c, http.StatusForbidden, code)
		return
	}

	c.Set(ContextKeyClaims, claims)
	c.Set(ContextKeyToken, tokenStr)
	c.Next()
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetToken retrieves the raw bearer token from the Gin context.
func GetToken(c *gin.Context) string {
	return c.GetString(ContextKeyToken)
}

func extractToken(c *gin.Context, allowQuery bool) (string, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = strings.TrimSpace(parts[1])
		}
	}

	// Fallback for EventSource (SSE) which cannot send headers
	if tokenStr == "" && allowQuery {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return "", errTokenMissing
	}
	return tokenStr, nil
}
