package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"forecast-service/pkg/rbac"
)

// RequirePermission 中间件：要求请求角色具有指定权限。角色由网关通过 X-User-Role 传入。
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetHeader(rbac.RoleHeader)
		if role == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(role, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("role", rbac.NormalizeRole(role))
		c.Next()
	}
}
