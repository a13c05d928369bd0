// Package handler implements the HTTP handlers of the API.
package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"reservation-service/internal/app/service"
	"reservation-service/internal/domain"
	"reservation-service/internal/guard"
	"reservation-service/internal/job"
	"reservation-service/internal/transport/httpserver/dto"
	"reservation-service/internal/validator"
)

// StatusClientClosedRequest reports a request the client abandoned.
const StatusClientClosedRequest = 499

// StatusFor maps a service error to an HTTP status and a stable error code.
func StatusFor(err error) (int, string) {
	var contention *guard.ContentionError
	var verrs validator.ValidationErrors

	switch {
	case errors.As(err, &contention):
		if contention.Kind == guard.KindRateLimiter {
			return fiber.StatusTooManyRequests, "RATE_LIMITED"
		}
		return fiber.StatusConflict, "RESOURCE_BUSY"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusClientClosedRequest, "REQUEST_CANCELLED"
	case errors.Is(err, guard.ErrCoordination):
		return fiber.StatusServiceUnavailable, "COORDINATION_UNAVAILABLE"
	case errors.Is(err, service.ErrWriteTimeout):
		return fiber.StatusServiceUnavailable, "WRITE_TIMEOUT"
	case errors.Is(err, domain.ErrSlotAlreadyOccupied):
		return fiber.StatusConflict, "SLOT_ALREADY_OCCUPIED"
	case errors.Is(err, domain.ErrInvalidSlot):
		return fiber.StatusBadRequest, "INVALID_SLOT"
	case errors.As(err, &verrs):
		return fiber.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrNotOccupant):
		return fiber.StatusForbidden, "NOT_OCCUPANT"
	case errors.Is(err, domain.ErrOccupancyNotFound), errors.Is(err, domain.ErrOutboxRecordNotFound):
		return fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, job.ErrScanInProgress):
		return fiber.StatusConflict, "SCAN_IN_PROGRESS"
	default:
		return fiber.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// respondError writes err as an ErrorResponse. Internal details of 5xx errors
// are logged, not returned.
func respondError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	status, code := StatusFor(err)

	resp := dto.ErrorResponse{Error: err.Error(), Code: code}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "validation failed"
		resp.Details = verrs
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("request failed",
			zap.Error(err),
			zap.String("code", code),
			zap.String("path", c.Path()),
		)
		if status == fiber.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}

	return c.Status(status).JSON(resp)
}

func badRequest(c *fiber.Ctx, msg, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg, Code: code})
}
