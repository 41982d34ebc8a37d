package handler

import (
	"log"

	"github.com/alcalc/playsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

// RTDNHandler receives Play real-time developer notifications
type RTDNHandler struct {
	webhook *service.WebhookService
}

// NewRTDNHandler creates a new RTDNHandler
func NewRTDNHandler(webhook *service.WebhookService) *RTDNHandler {
	return &RTDNHandler{webhook: webhook}
}

// Receive handles POST /v1/rtdn
// Anything but a transient failure is acknowledged so Pub/Sub stops redelivering.
func (h *RTDNHandler) Receive(c *fiber.Ctx) error {
	outcome, err := h.webhook.Handle(c.UserContext(), c.Body())
	if err != nil {
		log.Printf("[Webhook] Transient failure, requesting redelivery: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"ok":      false,
			"outcome": outcome,
			"error":   "temporarily unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"ok":      true,
		"outcome": outcome,
	})
}
