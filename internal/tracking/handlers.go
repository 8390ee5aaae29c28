package tracking

import (
	"encoding/json"
	"errors"

	"backend-fleetroster/internal/auth"
	"backend-fleetroster/internal/roster"
	"backend-fleetroster/internal/sampler"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// RegisterRoutes mounts the device-facing ingestion API. Every route needs a
// delivery token; a session is only reachable by the entity that owns it.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	delivery := auth.RequireRole(DeliveryRole)

	r.Post("/sessions", authMiddleware, delivery, func(c *fiber.Ctx) error {
		claims, ok := auth.ClaimsFrom(c)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "missing claims")
		}
		var req StartRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}

		sess, err := svc.Start(c.Context(), roster.Profile{
			ID:        claims.UserID,
			FirstName: claims.FirstName,
			LastName:  claims.LastName,
			Username:  claims.Username,
			Email:     claims.Email,
			Role:      claims.Role,
		})
		if err != nil {
			return startError(err)
		}
		if len(req.Position) > 0 {
			_ = svc.Ingest(sess.ID, json.RawMessage(req.Position))
		}
		return c.Status(fiber.StatusCreated).JSON(sess.Info())
	})

	r.Get("/sessions/:id", authMiddleware, delivery, func(c *fiber.Ctx) error {
		sess, err := owned(c, svc)
		if err != nil {
			return err
		}
		return c.JSON(sess.Info())
	})

	r.Post("/sessions/:id/samples", authMiddleware, delivery, func(c *fiber.Ctx) error {
		sess, err := owned(c, svc)
		if err != nil {
			return err
		}
		body := c.Body()
		if len(body) == 0 || !json.Valid(body) {
			return fiber.NewError(fiber.StatusBadRequest, "position body required")
		}
		raw := make(json.RawMessage, len(body))
		copy(raw, body)
		if err := svc.Ingest(sess.ID, raw); err != nil {
			return sessionError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/sessions/:id/errors", authMiddleware, delivery, func(c *fiber.Ctx) error {
		sess, err := owned(c, svc)
		if err != nil {
			return err
		}
		var req ErrorReport
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		cause, _ := sampler.ErrorFromCode(req.Code)
		if err := svc.ReportError(sess.ID, cause); err != nil {
			return sessionError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/sessions/:id/resume", authMiddleware, delivery, func(c *fiber.Ctx) error {
		sess, err := owned(c, svc)
		if err != nil {
			return err
		}
		var req StartRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		if len(req.Position) > 0 {
			_ = svc.Ingest(sess.ID, json.RawMessage(req.Position))
		}
		loc, err := sess.Resume(c.Context())
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(loc)
	})

	r.Delete("/sessions/:id", authMiddleware, delivery, func(c *fiber.Ctx) error {
		sess, err := owned(c, svc)
		if err != nil {
			return err
		}
		if err := sess.Stop(c.Context()); err != nil {
			return sessionError(err)
		}
		return c.JSON(sess.Info())
	})
}

func owned(c *fiber.Ctx, svc *Service) (*Session, error) {
	sess, ok := svc.Session(c.Params("id"))
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, ErrSessionNotFound.Error())
	}
	if userID, _ := c.Locals("user_id").(string); userID != sess.EntityID {
		return nil, fiber.NewError(fiber.StatusNotFound, ErrSessionNotFound.Error())
	}
	return sess, nil
}

func startError(err error) error {
	switch {
	case errors.Is(err, ErrNotDelivery):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, sampler.ErrPermissionDenied):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, sampler.ErrUnsupported):
		return fiber.NewError(fiber.StatusNotImplemented, err.Error())
	case errors.Is(err, roster.ErrInvalidPublish):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionStopped):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrOfflinePublish), errors.Is(err, roster.ErrTransport):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, sampler.ErrTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	case errors.Is(err, sampler.ErrPositionUnavailable):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
