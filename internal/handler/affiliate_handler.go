package handler

import (
	"log"

	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

// AffiliateHandler handles affiliate code redemption and setup
type AffiliateHandler struct {
	affiliates *service.AffiliateService
}

// NewAffiliateHandler creates a new AffiliateHandler
func NewAffiliateHandler(affiliates *service.AffiliateService) *AffiliateHandler {
	return &AffiliateHandler{affiliates: affiliates}
}

// RedeemRequest is the redemption body
type RedeemRequest struct {
	Code string `json:"code"`
}

// Redeem handles POST /v1/affiliates/redeem
// Rejected codes still answer 200 with success=false and a user facing message.
func (h *AffiliateHandler) Redeem(c *fiber.Ctx) error {
	var req RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}

	result, err := h.affiliates.Redeem(c.UserContext(), middleware.GetUserID(c), middleware.GetEmail(c), req.Code)
	if err != nil {
		log.Printf("[Affiliate] Redeem failed: %v", err)
		return successError(c, err)
	}

	return c.JSON(result)
}

// Initialize handles POST /v1/admin/affiliates
func (h *AffiliateHandler) Initialize(c *fiber.Ctx) error {
	var req service.InitializeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}

	affiliate, err := h.affiliates.Initialize(c.UserContext(), req)
	if err != nil {
		return successError(c, err)
	}

	log.Printf("[Admin] %s initialized affiliate %s", middleware.GetOperator(c), affiliate.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    affiliate,
	})
}
