package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		r.Use(gin.Logger())
	} else {
		r.Use(RequestLogger())
	}

	if len(s.config.CORS.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.config.CORS.AllowedOrigins,
			AllowMethods:     s.config.CORS.AllowedMethods,
			AllowHeaders:     s.config.CORS.AllowedHeaders,
			AllowCredentials: s.config.CORS.AllowCredentials,
			MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
		}))
	}

	r.GET("/health", s.healthHandler)
	r.GET("/online", s.onlineHandler)

	v1 := r.Group("/v1", s.AuthMiddleware())
	{
		v1.POST("/imports", s.CreateImportHandler)
		v1.POST("/exports", s.CreateExportHandler)

		v1.GET("/jobs", s.ListJobsHandler)
		v1.GET("/jobs/:id", s.GetJobHandler)
		v1.GET("/jobs/:id/events", s.JobEventsHandler)
		v1.POST("/jobs/:id/cancel", s.CancelJobHandler)

		v1.GET("/schemas", s.ListSchemasHandler)
		v1.POST("/schemas/:id/suggest", s.SuggestMappingHandler)
	}

	return r
}
