package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Clinic roles, lowest to highest privilege. Each role inherits the rights of
// the ones before it.
const (
	RoleStaff   = "staff"
	RoleDentist = "dentist"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

var roleRank = map[string]int{
	RoleStaff:   1,
	RoleDentist: 2,
	RoleManager: 3,
	RoleAdmin:   4,
}

// StaffRoles is every role allowed into the back office.
var StaffRoles = []string{RoleStaff, RoleDentist, RoleManager, RoleAdmin}

// KnownRole reports whether role is part of the clinic hierarchy.
func KnownRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// HighestRole picks the most privileged known role from roles.
func HighestRole(roles []string) string {
	best := ""
	for _, r := range roles {
		if roleRank[r] > roleRank[best] {
			best = r
		}
	}
	return best
}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
