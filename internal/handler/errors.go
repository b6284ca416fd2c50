package handler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/service"
)

const msgTryAgain = "something went wrong, please try again"

// formatValidationError converts validator errors to client-facing messages.
// Field names are the JSON names registered by the validator package.
func formatValidationError(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			field := fe.Field()
			switch fe.Tag() {
			case "required":
				return "invalid request: " + field + " is required"
			case "notblank":
				return "invalid request: " + field + " cannot be whitespace only"
			case "max":
				return "invalid request: " + field + " exceeds maximum length of " + fe.Param()
			case "oneof":
				return "invalid request: " + field + " must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
			case "decimalgt0":
				return "invalid request: " + field + " must be a positive number"
			case "ne":
				return "invalid request: " + field + " must not be " + fe.Param()
			default:
				return "invalid request: " + field + " is invalid"
			}
		}
	}
	return "invalid request"
}

// parseBody decodes and validates the JSON body into req. On failure it writes the
// 400 response and returns false.
func parseBody(c *fiber.Ctx, v *validator.Validate, req any) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := v.Struct(req); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}
	return true, nil
}

// writeError maps a service error to its HTTP status and body.
func writeError(c *fiber.Ctx, err error) error {
	var insufficient *service.InsufficientPointsError

	switch {
	case errors.Is(err, service.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
	case errors.Is(err, service.ErrOptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "redemption option not found"})
	case errors.As(err, &insufficient):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": fmt.Sprintf("You need %d more points to redeem this reward", insufficient.Shortfall()),
		})
	case errors.Is(err, service.ErrDuplicateOrder):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "points already awarded for this order"})
	case errors.Is(err, service.ErrBonusAlreadyAwarded):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "bonus already awarded"})
	case errors.Is(err, service.ErrRedemptionInProgress), errors.Is(err, service.ErrConcurrencyConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": msgTryAgain})
	case errors.Is(err, service.ErrExternalService):
		logRequestError(c, err, "reward service failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": msgTryAgain})
	default:
		logRequestError(c, err, "request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msgTryAgain})
	}
}

func logRequestError(c *fiber.Ctx, err error, msg string) {
	log.Error().
		Err(err).
		Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Msg(msg)
}
