package middleware

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/idtoken"
)

// TokenValidator verifies Google-signed OIDC tokens
type TokenValidator interface {
	Validate(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// PubSubAuth verifies the OIDC token Pub/Sub attaches to push requests.
// serviceAccount, when set, must match the token's email claim.
func PubSubAuth(validator TokenValidator, audience, serviceAccount string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		payload, err := validator.Validate(c.UserContext(), token, audience)
		if err != nil {
			log.Printf("[PubSub] Rejected push token: %v", err)
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		if serviceAccount != "" {
			email, _ := payload.Claims["email"].(string)
			verified, _ := payload.Claims["email_verified"].(bool)
			if email != serviceAccount || !verified {
				log.Printf("[PubSub] Push token issued to unexpected account %q", email)
				return c.SendStatus(fiber.StatusForbidden)
			}
		}

		return c.Next()
	}
}
