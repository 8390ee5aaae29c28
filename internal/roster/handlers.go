package roster

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

type profileRequest struct {
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
	Username  string `json:"username" validate:"max=100"`
	Email     string `json:"email" validate:"omitempty,email"`
	Role      string `json:"role" validate:"required,oneof=delivery dispatcher admin"`
}

// RegisterRoutes mounts the roster read API and the identity push endpoint.
// editMiddleware guards profile updates on top of authMiddleware.
func RegisterRoutes(r fiber.Router, store *Store, authMiddleware, editMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		entities := store.List(ByRole(c.Query("role")))
		views := make([]EntityView, 0, len(entities))
		for _, e := range entities {
			views = append(views, store.View(e))
		}
		return c.JSON(views)
	})

	r.Get("/entities/:id", authMiddleware, func(c *fiber.Ctx) error {
		e, ok := store.Get(c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "entity not found")
		}
		return c.JSON(store.View(e))
	})

	r.Put("/entities/:id/profile", authMiddleware, editMiddleware, func(c *fiber.Ctx) error {
		var req profileRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		e, err := store.UpdateProfile(c.Context(), Profile{
			ID:        c.Params("id"),
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Username:  req.Username,
			Email:     req.Email,
			Role:      req.Role,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidPublish) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		return c.JSON(store.View(e))
	})
}
