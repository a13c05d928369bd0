package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"reservation-service/internal/app/service"
	"reservation-service/internal/domain"
	"reservation-service/internal/transport/httpserver/dto"
)

// OutboxService reads and delivers outbox records.
type OutboxService interface {
	Get(ctx context.Context, id string) (*domain.OutboxRecord, error)
	Deliver(ctx context.Context, id string) error
}

// BacklogScanner runs an on-demand backlog scan.
type BacklogScanner interface {
	ScanNow(ctx context.Context) (service.Backlog, error)
}

// OutboxHandler exposes operator endpoints for the outbox.
type OutboxHandler struct {
	outbox  OutboxService
	scanner BacklogScanner
	logger  *zap.Logger
}

// NewOutboxHandler creates a new OutboxHandler.
func NewOutboxHandler(outbox OutboxService, scanner BacklogScanner, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{
		outbox:  outbox,
		scanner: scanner,
		logger:  logger,
	}
}

// GetByID handles GET /api/v1/admin/outbox/:id
func (h *OutboxHandler) GetByID(c *fiber.Ctx) error {
	rec, err := h.outbox.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return c.JSON(dto.FromOutboxRecord(rec))
}

// Deliver handles POST /api/v1/admin/outbox/:id/deliver
//
// Settled records are returned unchanged. A PENDING record left behind by an
// unexpected publish error gets one more delivery attempt.
func (h *OutboxHandler) Deliver(c *fiber.Ctx) error {
	id := c.Params("id")

	h.logger.Info("manual outbox delivery triggered", zap.String("outbox_id", id))

	if err := h.outbox.Deliver(c.UserContext(), id); err != nil {
		return respondError(c, h.logger, err)
	}

	rec, err := h.outbox.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return c.JSON(dto.FromOutboxRecord(rec))
}

// Scan handles POST /api/v1/admin/outbox/scan
func (h *OutboxHandler) Scan(c *fiber.Ctx) error {
	backlog, err := h.scanner.ScanNow(c.UserContext())
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return c.JSON(dto.FromBacklog(backlog))
}
