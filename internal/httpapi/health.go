package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
)

// healthHandler pings the database and event bus and reports every
// registered circuit breaker's current state, so an operator can tell a
// degraded dependency from a coordinator process failure.
//
// @Summary		Health check
// @Tags		ops
// @Produce		json
// @Success		200	{object}	Response{data=HealthResponse}
// @Router		/health [get]
func (s *Server) healthHandler(c *gin.Context) {
	checks := map[string]HealthCheck{
		"database":  pingDB(c.Request.Context(), s.db),
		"event_bus": pingRedis(c.Request.Context(), s.redis),
	}

	status := "healthy"
	for _, check := range checks {
		if check.Status != "ok" {
			status = "degraded"
		}
	}

	for name, cb := range s.breakers.GetAll() {
		snap := cb.Snapshot()
		check := HealthCheck{Status: "ok"}
		if snap.State == circuitbreaker.StateOpen {
			check.Status = "open"
			status = "degraded"
		}
		checks["breaker:"+name] = check
	}

	// A degraded dependency is reported, not a failed check — an open
	// breaker means the coordinator itself is still healthy.
	c.JSON(http.StatusOK, Success(HealthResponse{Status: status, Checks: checks}))
}

func pingDB(ctx context.Context, db *gorm.DB) HealthCheck {
	sqlDB, err := db.DB()
	if err != nil {
		return HealthCheck{Status: "error", Detail: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return HealthCheck{Status: "error", Detail: err.Error()}
	}
	return HealthCheck{Status: "ok"}
}

func pingRedis(ctx context.Context, client *redis.Client) HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return HealthCheck{Status: "error", Detail: err.Error()}
	}
	return HealthCheck{Status: "ok"}
}
