package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/civigate/civigate/internal/models"
)

func newRoleRouter(role string, authenticated bool, required ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if authenticated {
			c.Set(CtxRoleKey, role)
		}
	}, RequireRole(required...))
	r.GET("/restricted", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func doRoleRequest(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/restricted", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRequireRoleAllowsListedRole(t *testing.T) {
	r := newRoleRouter(models.RoleAdmin, true, models.RoleAdmin, models.RoleStaff)
	require.Equal(t, http.StatusOK, doRoleRequest(r).Code)

	r = newRoleRouter(models.RoleStaff, true, models.RoleAdmin, models.RoleStaff)
	require.Equal(t, http.StatusOK, doRoleRequest(r).Code)
}

func TestRequireRoleForbidsOtherRoles(t *testing.T) {
	r := newRoleRouter(models.RoleCitizen, true, models.RoleAdmin)

	w := doRoleRequest(r)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "FORBIDDEN")
}

func TestRequireRoleRejectsUnauthenticated(t *testing.T) {
	r := newRoleRouter("", false, models.RoleAdmin)

	require.Equal(t, http.StatusUnauthorized, doRoleRequest(r).Code)
}
