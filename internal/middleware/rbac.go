package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-messaging/internal/messaging"
	"github.com/noah-isme/gema-messaging/internal/utils"
)

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
// Role aliases such as "teacher" or "parent" are normalized before comparison.
func RequireRole(roles ...messaging.Role) fiber.Handler {
	allowed := make(map[messaging.Role]struct{}, len(roles))
	for _, role := range roles {
		if role.Known() {
			allowed[role] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		if c.Locals("user_id") == nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		role := RoleFromLocals(c.Locals("user_role"))
		if _, ok := allowed[role]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

// RoleFromLocals normalizes whatever the auth layer stored under user_role.
func RoleFromLocals(value interface{}) messaging.Role {
	switch v := value.(type) {
	case messaging.Role:
		return messaging.ParseRole(string(v))
	case string:
		return messaging.ParseRole(v)
	case fmt.Stringer:
		return messaging.ParseRole(v.String())
	default:
		if value == nil {
			return messaging.RoleUnknown
		}
		return messaging.ParseRole(fmt.Sprintf("%v", value))
	}
}
