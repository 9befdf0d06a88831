package middleware

import (
	"net/http"
	"strings"

	"operative/internal/auth"
	"operative/internal/logger"
	tenantctx "operative/internal/tenant"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GinTenantContextMiddleware 将 auth.Middleware 解析出的调用方转换为 tenant.TenantContext，
// 注入标准 context.Context 供下游使用。必须位于 auth.Middleware 之后。
func GinTenantContextMiddleware(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		userCtx, exists := auth.GetUserContext(c)
		if !exists {
			log.Warn("missing user context before tenant middleware", zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "未认证"})
			return
		}

		tenantID := strings.TrimSpace(userCtx.TenantID)
		if tenantID == "" {
			log.Warn("caller without tenant id", zap.String("user", userCtx.UserID))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "缺少租户信息"})
			return
		}

		tc := tenantctx.TenantContext{
			TenantID: tenantID,
			UserID:   strings.TrimSpace(userCtx.UserID),
			Roles:    append([]string{}, userCtx.Roles...),
		}
		c.Set("tenant_id", tc.TenantID)
		c.Set("user_id", tc.UserID)

		ctx := tenantctx.WithTenantContext(c.Request.Context(), tc)
		ctx = logger.WithTenantID(ctx, tc.TenantID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
