package api

import (
	operativeHandlers "operative/api/handlers/operative"
	"operative/internal/auth"
	middlewarepkg "operative/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	api := router.Group("/api/operative")
	api.Use(auth.Middleware(container.Tokens), middlewarepkg.GinTenantContextMiddleware(container.Logger))
	if container.RateLimiter != nil {
		// 限流按租户计数，必须位于租户中间件之后
		api.Use(container.RateLimiter.Middleware())
	}
	registerOperativeRoutes(api, handlers.Operative)
}

// registerOperativeRoutes 注册网关路由
func registerOperativeRoutes(g *gin.RouterGroup, h *operativeHandlers.Handler) {
	approverGuard := auth.RequireRole(operativeHandlers.RoleApprover, operativeHandlers.RoleAdmin)
	adminGuard := auth.RequireRole(operativeHandlers.RoleAdmin)

	g.POST("/execute", h.Execute)
	g.GET("/circuit", h.CircuitState)

	audit := g.Group("/audit")
	{
		audit.GET("", h.AuditTrail)
		audit.GET("/verify", h.VerifyAuditTrail)
	}

	approvals := g.Group("/approvals")
	{
		approvals.GET("", h.ListApprovals)
		approvals.GET("/:id", h.GetApproval)
		approvals.POST("/:id/approve", approverGuard, h.Approve)
		approvals.POST("/:id/reject", approverGuard, h.Reject)
	}

	g.GET("/policy", h.GetPolicy)
	g.PUT("/policy", adminGuard, h.UpdatePolicy)
}
