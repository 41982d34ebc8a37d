package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/option"
)

const (
	userIDKey = "userID"
	emailKey  = "email"
)

// AuthClient is the subset of *auth.Client used to verify ID tokens
type AuthClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseAuth creates a Fiber middleware that requires a valid Firebase ID token
func FirebaseAuth(authClient AuthClient) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Extract token from Authorization header
		token, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "missing authorization header, expected 'Bearer <ID_TOKEN>'",
			})
		}

		// Verify the token
		decoded, err := authClient.VerifyIDToken(c.UserContext(), token)
		if err != nil {
			msg := "invalid token"
			if auth.IsIDTokenExpired(err) {
				msg = "token expired"
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": msg,
			})
		}

		storeIdentity(c, decoded)
		return c.Next()
	}
}

// OptionalFirebaseAuth attaches the verified identity when a valid token is
// present and lets the request through otherwise. Legacy clients call
// without a token.
func OptionalFirebaseAuth(authClient AuthClient) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return c.Next()
		}

		decoded, err := authClient.VerifyIDToken(c.UserContext(), token)
		if err != nil {
			log.Printf("[Auth] Ignoring invalid ID token on %s: %v", c.Path(), err)
			return c.Next()
		}

		storeIdentity(c, decoded)
		return c.Next()
	}
}

func storeIdentity(c *fiber.Ctx, decoded *auth.Token) {
	c.Locals(userIDKey, decoded.UID)
	if email, ok := decoded.Claims["email"].(string); ok {
		c.Locals(emailKey, email)
	}
}

// bearerToken accepts "Bearer <token>" and "Firebase <token>", any case
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "Firebase") {
		return "", false
	}
	return token, true
}

// ServiceAccountJSON builds service account credentials from the Firebase
// environment settings. The same account calls the Play Developer API.
func ServiceAccountJSON(projectID, privateKeyB64, clientEmail string) ([]byte, error) {
	// Decode base64 private key
	privateKey, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	return json.Marshal(map[string]interface{}{
		"type":         "service_account",
		"project_id":   projectID,
		"private_key":  string(privateKey),
		"client_email": clientEmail,
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
}

// InitFirebase initializes Firebase Admin SDK with environment variables
func InitFirebase(ctx context.Context, credentialsJSON []byte, projectID string) (*firebase.App, error) {
	return firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON(credentialsJSON))
}

// GetUserID extracts the user ID from Fiber context
// Empty when the request carried no verified token
func GetUserID(c *fiber.Ctx) string {
	userID, ok := c.Locals(userIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

// GetEmail returns the verified token's email claim, if any
func GetEmail(c *fiber.Ctx) string {
	email, _ := c.Locals(emailKey).(string)
	return email
}
