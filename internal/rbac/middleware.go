package rbac

import (
	"net/http"

	"callsy/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireBusiness enforces the tenancy invariant: a business_id must exist in
// context unless the caller is an admin.
func RequireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if IsAdmin(role) {
			c.Next()
			return
		}
		bid, err := auth.BusinessID(c.Request.Context())
		if err != nil || bid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "business_id required"})
			return
		}
		c.Next()
	}
}

// RequireBusinessParam ensures the route's business parameter names the
// token's own business. Admins may act on any business.
func RequireBusinessParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if IsAdmin(role) {
			c.Next()
			return
		}
		bid, err := auth.BusinessID(c.Request.Context())
		if err != nil || bid == "" || bid != c.Param(param) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
