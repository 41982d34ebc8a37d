package handler

import (
	"log"

	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

// AdminHandler exposes operator actions
type AdminHandler struct {
	announcements *service.AnnouncementService
	sweeper       *service.Sweeper
	stats         *service.StatsService
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(announcements *service.AnnouncementService, sweeper *service.Sweeper, stats *service.StatsService) *AdminHandler {
	return &AdminHandler{
		announcements: announcements,
		sweeper:       sweeper,
		stats:         stats,
	}
}

// AnnouncementRequest creates an announcement
type AnnouncementRequest struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

// AnnouncementPatch toggles announcement visibility
type AnnouncementPatch struct {
	IsDeleted *bool `json:"isDeleted"`
}

// CreateAnnouncement handles POST /v1/admin/announcements
func (h *AdminHandler) CreateAnnouncement(c *fiber.Ctx) error {
	var req AnnouncementRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}

	a, err := h.announcements.Create(c.UserContext(), req.Title, req.Body, req.Recipients)
	if err != nil {
		if a == nil {
			return successError(c, err)
		}
		// Stored but delivery failed; the operator can toggle it to resend.
		log.Printf("[Admin] Announcement %s stored, fan-out failed: %v", a.ID, err)
	}

	log.Printf("[Admin] %s created announcement %s", middleware.GetOperator(c), a.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    a,
	})
}

// UpdateAnnouncement handles PATCH /v1/admin/announcements/:id
func (h *AdminHandler) UpdateAnnouncement(c *fiber.Ctx) error {
	var req AnnouncementPatch
	if err := c.BodyParser(&req); err != nil || req.IsDeleted == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "isDeleted is required"})
	}

	a, err := h.announcements.SetDeleted(c.UserContext(), c.Params("id"), *req.IsDeleted)
	if err != nil {
		if a == nil {
			return successError(c, err)
		}
		log.Printf("[Admin] Announcement %s updated, fan-out failed: %v", a.ID, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    a,
	})
}

// Sweep handles POST /v1/admin/sweep
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	result, err := h.sweeper.Sweep(c.UserContext())
	if err != nil {
		log.Printf("[Admin] Manual sweep failed: %v", err)
		return successError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// SyncStats handles POST /v1/admin/stats/sync?dryRun=true
func (h *AdminHandler) SyncStats(c *fiber.Ctx) error {
	dryRun := c.QueryBool("dryRun", false)
	stats, err := h.stats.Sync(c.UserContext(), dryRun)
	if err != nil {
		log.Printf("[Admin] Stats sync failed: %v", err)
		return successError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"dryRun":  dryRun,
		"data":    stats,
	})
}
