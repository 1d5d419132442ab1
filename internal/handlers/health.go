package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/civigate/civigate/pkg/response"
)

const healthPingTimeout = 2 * time.Second

// Health reports process liveness and database reachability. The endpoint
// stays 200 with a degraded payload only when no database was wired;
// an unreachable database is a 503 so load balancers stop routing here.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{"status": "ok"}

		if db == nil {
			payload["database"] = "not_configured"
			response.Success(c, http.StatusOK, payload)
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			payload["status"] = "degraded"
			payload["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, response.Response{
				Success: false,
				Data:    payload,
			})
			return
		}

		payload["database"] = "ok"
		response.Success(c, http.StatusOK, payload)
	}
}
