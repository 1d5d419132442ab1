package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/civigate/civigate/internal/middleware"
	"github.com/civigate/civigate/internal/models"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// Typed accessors over the context keys the auth middleware populates.
// On unauthenticated requests they return zero values; handlers mounted
// behind middleware.Auth can rely on the user and session being set.

func currentUserID(c *gin.Context) string { return c.GetString(middleware.CtxUserIDKey) }

func currentSessionID(c *gin.Context) string { return c.GetString(middleware.CtxSessionIDKey) }

func currentTenantID(c *gin.Context) string { return c.GetString(middleware.CtxTenantIDKey) }

func currentRole(c *gin.Context) string { return c.GetString(middleware.CtxRoleKey) }

func isAdmin(c *gin.Context) bool { return currentRole(c) == models.RoleAdmin }
