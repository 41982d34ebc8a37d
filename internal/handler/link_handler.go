package handler

import (
	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

// LinkHandler records identity links and device tokens for the caller
type LinkHandler struct {
	links *service.LinkService
}

// NewLinkHandler creates a new LinkHandler
func NewLinkHandler(links *service.LinkService) *LinkHandler {
	return &LinkHandler{links: links}
}

// PurchaseLinkRequest is the purchase token link body
type PurchaseLinkRequest struct {
	PurchaseToken string `json:"purchaseToken"`
	PackageName   string `json:"packageName"`
	Email         string `json:"email"`
}

// AccountLinkRequest is the account link body
type AccountLinkRequest struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
}

// DeviceRequest registers a push token
type DeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// callerEmail prefers the verified claim over the body
func callerEmail(c *fiber.Ctx, body string) string {
	if email := middleware.GetEmail(c); email != "" {
		return email
	}
	return body
}

// LinkPurchaseToken handles POST /v1/links/purchase-token
func (h *LinkHandler) LinkPurchaseToken(c *fiber.Ctx) error {
	var req PurchaseLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "invalid request body"})
	}

	link, err := h.links.LinkPurchaseToken(c.UserContext(), service.PurchaseLinkRequest{
		UID:           middleware.GetUserID(c),
		Email:         callerEmail(c, req.Email),
		PurchaseToken: req.PurchaseToken,
		PackageName:   req.PackageName,
	})
	if err != nil {
		return okError(c, err)
	}

	return c.JSON(fiber.Map{"ok": true, "link": link})
}

// LinkAccount handles POST /v1/links/account
func (h *LinkHandler) LinkAccount(c *fiber.Ctx) error {
	var req AccountLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "invalid request body"})
	}

	link, err := h.links.LinkAccount(c.UserContext(), middleware.GetUserID(c), callerEmail(c, req.Email), req.AccountID)
	if err != nil {
		return okError(c, err)
	}

	return c.JSON(fiber.Map{"ok": true, "link": link})
}

// RegisterDevice handles POST /v1/devices
func (h *LinkHandler) RegisterDevice(c *fiber.Ctx) error {
	var req DeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "invalid request body"})
	}

	device, err := h.links.RegisterDevice(c.UserContext(), middleware.GetUserID(c), req.Token, req.Platform)
	if err != nil {
		return okError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "device": device})
}
