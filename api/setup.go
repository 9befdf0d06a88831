package api

import (
	"operative/internal/logger"
	"operative/internal/metrics"
	middlewarepkg "operative/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(container *AppContainer) *gin.Engine {
	if container.Config != nil && container.Config.Server.Mode != "" {
		gin.SetMode(container.Config.Server.Mode)
	}
	router := gin.New()

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	// 健康检查与指标（无需认证）
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(container.DB, container.Redis))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers := container.InitHandlers()
	RegisterRoutes(router, container, handlers)

	logger.Info("路由注册完成")
	return router
}
