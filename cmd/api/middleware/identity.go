package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// userIDKey is the echo context key holding the caller's user profile id
const userIDKey = "user_profile_id"

// ExtractUser pulls the X-User-ID header into the request context. Read
// endpoints work without it; endpoints that create work call RequireUser.
func ExtractUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID := c.Request().Header.Get("X-User-ID"); userID != "" {
				c.Set(userIDKey, userID)
			}
			return next(c)
		}
	}
}

// UserID returns the caller's user profile id, or "" when the header
// was absent
func UserID(c echo.Context) string {
	if userID, ok := c.Get(userIDKey).(string); ok {
		return userID
	}
	return ""
}

// RequireUser returns the caller's user profile id. When the header is
// missing it writes the 401 response itself; callers check for the
// empty string and return the error as-is.
func RequireUser(c echo.Context) (string, error) {
	userID := UserID(c)
	if userID == "" {
		err := c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"error": "authentication required (X-User-ID header missing)",
		})
		return "", err
	}
	return userID, nil
}
