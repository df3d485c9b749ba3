package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// RBACMiddleware enforces role-based access control on the roles set by
// AuthMiddleware
func RBACMiddleware(requiredRoles []string, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles := c.GetStringSlice(RolesKey)

		if !hasAnyRole(roles, requiredRoles) {
			log.Warn("RBAC check failed: insufficient permissions",
				"subject", c.GetString(SubjectKey),
				"roles", roles,
				"required_roles", requiredRoles,
				"path", c.Request.URL.Path,
			)
			c.JSON(http.StatusForbidden, gin.H{
				"status":         "error",
				"error":          "Access denied: insufficient permissions",
				"required_roles": requiredRoles,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func hasAnyRole(userRoles, requiredRoles []string) bool {
	roleMap := make(map[string]bool, len(userRoles))
	for _, role := range userRoles {
		roleMap[role] = true
	}

	for _, required := range requiredRoles {
		if roleMap[required] {
			return true
		}
	}
	return false
}
