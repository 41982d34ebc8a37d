package middleware

import (
	"github.com/alcalc/playsync/internal/domain"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing operator info
const (
	OperatorKey = "operator"
	RolesKey    = "roles"
)

// VerifyAdminToken validates an operator JWT and stores its claims
func VerifyAdminToken(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get token from Authorization header
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Missing authorization token",
			})
		}

		// Extract token (format: "Bearer <token>")
		tokenString := authHeader
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenString = authHeader[7:]
		}

		// Parse and validate token
		token, err := jwt.ParseWithClaims(tokenString, &domain.AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
			// Verify signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
			}
			return []byte(jwtSecret), nil
		})

		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid or expired token",
			})
		}

		claims, ok := token.Claims.(*domain.AdminClaims)
		if !ok || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid token claims",
			})
		}

		operator := claims.Subject
		if operator == "" {
			operator, _ = claims.GetSubject()
		}
		c.Locals(OperatorKey, operator)
		c.Locals(RolesKey, claims.Roles)

		return c.Next()
	}
}

// AuthorizeRole checks if the operator has at least one of the required roles
func AuthorizeRole(allowedRoles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userRoles, ok := c.Locals(RolesKey).([]string)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "No roles found in token",
			})
		}

		for _, userRole := range userRoles {
			for _, allowedRole := range allowedRoles {
				if userRole == allowedRole {
					return c.Next()
				}
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success":        false,
			"error":          "Insufficient permissions",
			"required_roles": allowedRoles,
		})
	}
}

// GetOperator returns the operator name stored by VerifyAdminToken
func GetOperator(c *fiber.Ctx) string {
	op, _ := c.Locals(OperatorKey).(string)
	return op
}
