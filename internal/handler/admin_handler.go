package handler

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// AdminServiceInterface defines the operator operations of the loyalty engine.
type AdminServiceInterface interface {
	AdjustPoints(ctx context.Context, userID string, points int64, reason string) (*model.Transaction, error)
	Reconcile(ctx context.Context, userID string) (*model.Reconciliation, error)
	Repair(ctx context.Context, userID string) (*model.Reconciliation, error)
	ExpireUser(ctx context.Context, userID string, now time.Time) (*model.SweepResult, error)
	ExpireDue(ctx context.Context, now time.Time) (*model.SweepResult, error)
	DowngradeUser(ctx context.Context, userID string, now time.Time) (*model.Transaction, error)
	DowngradeInactive(ctx context.Context, now time.Time) (*model.SweepResult, error)
	SettlePending(ctx context.Context, now time.Time) (*model.SweepResult, error)
	Stats(ctx context.Context) (*model.ProgramStats, error)
}

// AdminHandler handles HTTP requests under /api/admin/loyalty.
type AdminHandler struct {
	service   AdminServiceInterface
	validator *validator.Validate
	now       func() time.Time
}

// NewAdminHandler creates a new AdminHandler with the given service and validator.
func NewAdminHandler(svc AdminServiceInterface, v *validator.Validate) *AdminHandler {
	return &AdminHandler{
		service:   svc,
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AdjustPoints handles POST /api/admin/loyalty/adjustments.
func (h *AdminHandler) AdjustPoints(c *fiber.Ctx) error {
	var req model.AdjustmentRequest
	if ok, err := parseBody(c, h.validator, &req); !ok {
		return err
	}

	entry, err := h.service.AdjustPoints(c.Context(), req.UserID, *req.Points, strings.TrimSpace(req.Reason))
	if err != nil {
		return writeError(c, err)
	}

	log.Info().
		Str("user_id", req.UserID).
		Int64("points", *req.Points).
		Str("admin", adminSubject(c)).
		Msg("manual adjustment recorded")
	return c.Status(fiber.StatusCreated).JSON(entry)
}

// Reconcile handles GET /api/admin/loyalty/users/:userId/reconcile.
func (h *AdminHandler) Reconcile(c *fiber.Ctx) error {
	rec, err := h.service.Reconcile(c.Context(), c.Params("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

// Repair handles POST /api/admin/loyalty/users/:userId/repair.
func (h *AdminHandler) Repair(c *fiber.Ctx) error {
	rec, err := h.service.Repair(c.Context(), c.Params("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

// SweepExpiry handles POST /api/admin/loyalty/sweeps/expiry.
// With ?user_id= only that customer is swept.
func (h *AdminHandler) SweepExpiry(c *fiber.Ctx) error {
	var (
		res *model.SweepResult
		err error
	)
	if userID := strings.TrimSpace(c.Query("user_id")); userID != "" {
		res, err = h.service.ExpireUser(c.Context(), userID, h.now())
	} else {
		res, err = h.service.ExpireDue(c.Context(), h.now())
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// SweepDowngrade handles POST /api/admin/loyalty/sweeps/downgrade.
// With ?user_id= only that customer is evaluated.
func (h *AdminHandler) SweepDowngrade(c *fiber.Ctx) error {
	if userID := strings.TrimSpace(c.Query("user_id")); userID != "" {
		marker, err := h.service.DowngradeUser(c.Context(), userID, h.now())
		if err != nil {
			return writeError(c, err)
		}
		res := &model.SweepResult{}
		if marker != nil {
			res.Accounts, res.Entries = 1, 1
		}
		return c.JSON(res)
	}

	res, err := h.service.DowngradeInactive(c.Context(), h.now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// SettleRedemptions handles POST /api/admin/loyalty/sweeps/redemptions.
// Redemptions pending past the settle window are confirmed or released.
func (h *AdminHandler) SettleRedemptions(c *fiber.Ctx) error {
	res, err := h.service.SettlePending(c.Context(), h.now())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// GetStats handles GET /api/admin/loyalty/stats.
func (h *AdminHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(stats)
}
