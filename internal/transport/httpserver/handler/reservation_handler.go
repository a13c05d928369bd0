package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"reservation-service/internal/app/service"
	"reservation-service/internal/domain"
	"reservation-service/internal/transport/httpserver/dto"
	"reservation-service/internal/validator"
)

// ReservationService is the slot reservation use case.
type ReservationService interface {
	Occupy(ctx context.Context, cmd service.OccupyCommand) (*domain.Occupancy, error)
	Cancel(ctx context.Context, cmd service.CancelCommand) error
	Get(ctx context.Context, id string) (*domain.Occupancy, error)
}

// ReservationHandler handles occupancy requests.
type ReservationHandler struct {
	reservations ReservationService
	validator    *validator.Validator
	logger       *zap.Logger
}

// NewReservationHandler creates a new ReservationHandler.
func NewReservationHandler(svc ReservationService, v *validator.Validator, logger *zap.Logger) *ReservationHandler {
	return &ReservationHandler{
		reservations: svc,
		validator:    v,
		logger:       logger,
	}
}

// Occupy handles POST /api/v1/occupancies
func (h *ReservationHandler) Occupy(c *fiber.Ctx) error {
	var req dto.OccupyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body", "INVALID_BODY")
	}
	if err := h.validator.Validate(req); err != nil {
		return respondError(c, h.logger, err)
	}

	o, err := h.reservations.Occupy(c.UserContext(), req.ToCommand())
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.FromOccupancy(o))
}

// GetByID handles GET /api/v1/occupancies/:id
func (h *ReservationHandler) GetByID(c *fiber.Ctx) error {
	o, err := h.reservations.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return c.JSON(dto.FromOccupancy(o))
}

// Cancel handles DELETE /api/v1/occupancies/:id?user_id=
func (h *ReservationHandler) Cancel(c *fiber.Ctx) error {
	var req dto.CancelRequest
	if err := c.QueryParser(&req); err != nil {
		return badRequest(c, "invalid query parameters", "INVALID_QUERY")
	}
	req.OccupancyID = c.Params("id")

	if err := h.validator.Validate(req); err != nil {
		return respondError(c, h.logger, err)
	}

	if err := h.reservations.Cancel(c.UserContext(), req.ToCommand()); err != nil {
		return respondError(c, h.logger, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
