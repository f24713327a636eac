package app

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wo-foreman.io/foreman/internal/api/handlers"
	"wo-foreman.io/foreman/internal/api/middleware"
)

func newRouter(server *handlers.Server, promRegistry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{
			"Content-Type",
			middleware.RequestIDHeader,
			middleware.AgentIDHeader,
			middleware.IdempotencyKeyHeader,
		},
	}))

	server.RegisterRoutes(router)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{
		Registry: promRegistry,
	})))
	return router
}
