package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter wires the trigger and polling routes behind JWT auth. breakerState,
// when set, reports the Gmail circuit breaker on the health route.
func NewRouter(handler *SyncHandler, jwtSecret string, breakerState func() string, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if breakerState != nil {
			body["gmailBreaker"] = breakerState()
		}
		c.JSON(http.StatusOK, body)
	})

	accounts := router.Group("/api/gmail-accounts", JWTAuth(jwtSecret))
	accounts.POST("/:id/sync", handler.TriggerSync)
	accounts.GET("/:id/sync-status", handler.SyncStatus)

	return router
}
