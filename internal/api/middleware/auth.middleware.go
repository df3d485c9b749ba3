// internal/api/middleware/auth.middleware.go
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/platformbuilds/mirador-session/internal/config"
)

// Context keys set by the auth middleware
const (
	SubjectKey = "subject"
	RolesKey   = "roles"
	// AnonymousSubject is used when authentication is disabled
	AnonymousSubject = "anonymous"
)

// AuthMiddleware validates HS256 bearer tokens on the management API
func AuthMiddleware(authConfig config.AuthConfig) gin.HandlerFunc {
	secret := []byte(authConfig.JWTSecret)

	return func(c *gin.Context) {
		// Skip auth for public endpoints
		if isPublicEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status": "error",
				"error":  "Authentication required",
			})
			c.Abort()
			return
		}

		claims, err := validateToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status": "error",
				"error":  "Invalid authentication token",
				"detail": err.Error(),
			})
			c.Abort()
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Set(RolesKey, claims.Roles)

		// Add security headers
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")

		c.Next()
	}
}

// NoAuthMiddleware marks every request as anonymous
func NoAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(SubjectKey, AnonymousSubject)
		c.Next()
	}
}

// extractToken gets the bearer token from the Authorization header, or from
// the token query parameter for WebSocket upgrades
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if queryToken := c.Query("token"); queryToken != "" {
		return queryToken
	}

	return ""
}

// Claims are the management token claims
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func validateToken(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// IssueToken signs a management token for subject carrying roles.
func IssueToken(secret, subject string, roles []string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Roles: roles, RegisteredClaims: claims}).SignedString([]byte(secret))
}

func isPublicEndpoint(path string) bool {
	switch path {
	case "/health", "/ready", "/metrics", "/api/v1/health", "/api/v1/ready":
		return true
	}
	return false
}
