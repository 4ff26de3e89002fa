package api

import (
	"strings"

	echo "github.com/labstack/echo/v5"
)

// extractAdminToken pulls the admin token from the request.
// Priority: Authorization: Bearer > X-Admin-Token. Empty string means
// no credential was presented; the config service rejects it with 401.
func extractAdminToken(c *echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.Request().Header.Get("X-Admin-Token"))
}
