package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Additional-Code/dispatch/internal/entity"
	"github.com/Additional-Code/dispatch/internal/presentation/http/response"
	"github.com/Additional-Code/dispatch/pkg/errorbank"
)

const identityKey = "dispatch.identity"

// Middleware authenticates the bearer token of every request.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			parts := strings.Fields(c.Request().Header.Get(echo.HeaderAuthorization))
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return response.New(c).WithError(errorbank.AuthFailed("missing bearer token")).Build()
			}
			id, err := a.AuthenticateBearer(c.Request().Context(), parts[1])
			if err != nil {
				return response.New(c).WithError(err).Build()
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c echo.Context) (Identity, bool) {
	id, ok := c.Get(identityKey).(Identity)
	return id, ok
}

// RequireRoles rejects requests whose identity holds none of roles.
func RequireRoles(roles ...entity.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFrom(c)
			if !ok {
				return response.New(c).WithError(errorbank.AuthFailed("not authenticated")).Build()
			}
			for _, r := range roles {
				if id.Role == r {
					return next(c)
				}
			}
			return response.New(c).WithError(errorbank.Unauthorized("role not permitted")).Build()
		}
	}
}
