package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/gofiber/fiber/v2"
)

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var perr *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrIdentityMismatch):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &perr):
		switch perr.StatusCode {
		case http.StatusBadRequest:
			return fiber.StatusBadRequest
		case http.StatusNotFound, http.StatusGone:
			return fiber.StatusNotFound
		}
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// publicMessage is the error text a client sees. Server side failures are
// logged in full and answered with a fixed message.
func publicMessage(c *fiber.Ctx, status int, err error) string {
	switch {
	case status == fiber.StatusBadGateway:
		log.Printf("[Handler] %s %s: billing provider error: %v", c.Method(), c.Path(), err)
		return "billing provider unavailable"
	case status >= fiber.StatusInternalServerError:
		log.Printf("[Handler] %s %s: %v", c.Method(), c.Path(), err)
		return "internal error"
	}
	return err.Error()
}

// okError writes the {ok:false,error} shape used by client endpoints
func okError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	return c.Status(status).JSON(fiber.Map{
		"ok":    false,
		"error": publicMessage(c, status, err),
	})
}

// successError writes the {success:false,error} shape used by affiliate and admin endpoints
func successError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   publicMessage(c, status, err),
	})
}
