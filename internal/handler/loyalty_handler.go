package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/service"
)

// LoyaltyServiceInterface defines the customer-facing operations of the loyalty engine.
type LoyaltyServiceInterface interface {
	RecordPurchase(ctx context.Context, userID, orderID string, amount decimal.Decimal) (*model.EarnResult, error)
	AwardActivity(ctx context.Context, userID string, activity loyalty.Activity, orderID string) (*model.EarnResult, error)
	Redeem(ctx context.Context, userID, optionID, idempotencyKey string) (*model.RedemptionResult, error)
	Status(ctx context.Context, userID string) (*model.LoyaltyStatus, error)
	Transactions(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error)
	Redemptions(ctx context.Context, userID string, limit int) ([]model.Redemption, error)
	Leaderboard(ctx context.Context, limit int) ([]model.Account, error)
	Tiers() []model.TierBenefits
	Catalog() []model.RedemptionOption
}

// LoyaltyHandler handles HTTP requests from the storefront.
type LoyaltyHandler struct {
	service   LoyaltyServiceInterface
	validator *validator.Validate
	minRedeem int64
}

// NewLoyaltyHandler creates a new LoyaltyHandler. minRedeem is the redemption floor
// reported when an option costs less than it.
func NewLoyaltyHandler(svc LoyaltyServiceInterface, v *validator.Validate, minRedeem int64) *LoyaltyHandler {
	return &LoyaltyHandler{service: svc, validator: v, minRedeem: minRedeem}
}

// GetTiers handles GET /api/loyalty/tiers.
func (h *LoyaltyHandler) GetTiers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tiers": h.service.Tiers()})
}

// GetRewards handles GET /api/loyalty/rewards.
func (h *LoyaltyHandler) GetRewards(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"rewards": h.service.Catalog()})
}

// GetLeaderboard handles GET /api/loyalty/leaderboard.
func (h *LoyaltyHandler) GetLeaderboard(c *fiber.Ctx) error {
	accounts, err := h.service.Leaderboard(c.Context(), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"leaderboard": accounts})
}

// GetStatus handles GET /api/loyalty/users/:userId.
func (h *LoyaltyHandler) GetStatus(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: user_id is required"})
	}

	status, err := h.service.Status(c.Context(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status)
}

// GetTransactions handles GET /api/loyalty/users/:userId/transactions.
func (h *LoyaltyHandler) GetTransactions(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: user_id is required"})
	}

	txs, err := h.service.Transactions(c.Context(), userID, c.QueryInt("limit", 0), c.QueryInt("offset", 0))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": txs})
}

// GetRedemptions handles GET /api/loyalty/users/:userId/redemptions.
func (h *LoyaltyHandler) GetRedemptions(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: user_id is required"})
	}

	reds, err := h.service.Redemptions(c.Context(), userID, c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"redemptions": reds})
}

// RecordPurchase handles POST /api/loyalty/purchases.
func (h *LoyaltyHandler) RecordPurchase(c *fiber.Ctx) error {
	var req model.PurchaseRequest
	if ok, err := parseBody(c, h.validator, &req); !ok {
		return err
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.AmountSpent.String()))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: amount_spent must be a positive number"})
	}

	res, err := h.service.RecordPurchase(c.Context(), req.UserID, req.OrderID, amount)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// AwardActivity handles POST /api/loyalty/activities.
func (h *LoyaltyHandler) AwardActivity(c *fiber.Ctx) error {
	var req model.ActivityRequest
	if ok, err := parseBody(c, h.validator, &req); !ok {
		return err
	}

	res, err := h.service.AwardActivity(c.Context(), req.UserID, loyalty.Activity(req.Activity), strings.TrimSpace(req.OrderID))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// Redeem handles POST /api/loyalty/redeem. A replayed idempotency key answers 200 with
// the stored result, a new redemption answers 201.
func (h *LoyaltyHandler) Redeem(c *fiber.Ctx) error {
	var req model.RedeemRequest
	if ok, err := parseBody(c, h.validator, &req); !ok {
		return err
	}

	res, err := h.service.Redeem(c.Context(), req.UserID, req.RedemptionOptionID, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, service.ErrBelowMinimum) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": fmt.Sprintf("A minimum of %d points is required to redeem", h.minRedeem),
			})
		}
		return writeError(c, err)
	}

	status := fiber.StatusCreated
	if res.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}
