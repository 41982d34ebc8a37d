package handler

import (
	"log"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

// SubscriptionHandler handles client triggered purchase verification
type SubscriptionHandler struct {
	verification *service.VerificationService
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(verification *service.VerificationService) *SubscriptionHandler {
	return &SubscriptionHandler{verification: verification}
}

// VerifyRequest is the verification call body
type VerifyRequest struct {
	UID           string `json:"uid"`
	PackageName   string `json:"packageName"`
	PurchaseToken string `json:"purchaseToken"`
}

type verifyResponse struct {
	OK bool `json:"ok"`
	*domain.PlaySubscription
}

// Verify handles POST /v1/subscriptions/verify
// The bearer token is optional; legacy clients send only the body uid.
func (h *SubscriptionHandler) Verify(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":    false,
			"error": "invalid request body",
		})
	}

	verifiedUID := middleware.GetUserID(c)
	if verifiedUID == "" {
		log.Printf("[Verify] Unauthenticated call for uid=%s", req.UID)
	}

	sub, err := h.verification.Verify(c.UserContext(), service.VerifyRequest{
		ClaimedUID:    req.UID,
		VerifiedUID:   verifiedUID,
		PackageName:   req.PackageName,
		PurchaseToken: req.PurchaseToken,
	})
	if err != nil {
		log.Printf("[Verify] Failed: %v", err)
		return okError(c, err)
	}

	return c.JSON(verifyResponse{OK: true, PlaySubscription: sub})
}
