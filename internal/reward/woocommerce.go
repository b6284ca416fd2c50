package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

const couponsPath = "/wp-json/wc/v3/coupons"

// defaultIssueTimeout bounds a coupon call when ctx carries no deadline.
const defaultIssueTimeout = 10 * time.Second

// WooCommerceIssuer creates single-use store coupons for discount and shipping rewards.
// Product and experience rewards have no coupon equivalent and fall back to a local ticket.
type WooCommerceIssuer struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	fallback       Issuer
}

// NewWooCommerceIssuer creates an issuer that talks to the store at baseURL.
func NewWooCommerceIssuer(baseURL, consumerKey, consumerSecret string) *WooCommerceIssuer {
	return &WooCommerceIssuer{
		baseURL:        strings.TrimRight(baseURL, "/"),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		fallback:       NewLocalIssuer(),
	}
}

type couponRequest struct {
	Code              string `json:"code"`
	DiscountType      string `json:"discount_type"`
	Amount            string `json:"amount"`
	IndividualUse     bool   `json:"individual_use"`
	UsageLimit        int    `json:"usage_limit"`
	UsageLimitPerUser int    `json:"usage_limit_per_user"`
	FreeShipping      bool   `json:"free_shipping"`
	Description       string `json:"description"`
}

type couponResponse struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
}

// Issue creates the coupon for req, or delegates to the local issuer for non-coupon rewards.
func (w *WooCommerceIssuer) Issue(ctx context.Context, req IssueRequest) (model.RewardArtifact, error) {
	kind := KindFor(req.Option.Category)
	if kind == model.RewardFulfillment {
		return w.fallback.Issue(ctx, req)
	}

	code, err := GenerateCode()
	if err != nil {
		return model.RewardArtifact{}, err
	}

	body := couponRequest{
		Code:              code,
		DiscountType:      "fixed_cart",
		Amount:            req.Option.Value.StringFixed(2),
		IndividualUse:     true,
		UsageLimit:        1,
		UsageLimitPerUser: 1,
		FreeShipping:      kind == model.RewardFreeShipping,
		Description:       fmt.Sprintf("Loyalty reward %s for user %s (redemption %s)", req.Option.ID, req.UserID, req.RedemptionID),
	}

	timeout := defaultIssueTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return model.RewardArtifact{}, context.DeadlineExceeded
	}

	type result struct {
		status int
		body   []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		agent := fiber.Post(w.baseURL + couponsPath)
		agent.BasicAuth(w.consumerKey, w.consumerSecret).JSON(body).Timeout(timeout)
		status, respBody, errs := agent.Bytes()
		done <- result{status: status, body: respBody, err: errors.Join(errs...)}
	}()

	var res result
	select {
	case <-ctx.Done():
		return model.RewardArtifact{}, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		return model.RewardArtifact{}, fmt.Errorf("create coupon: %w", res.err)
	}
	if res.status != fiber.StatusCreated && res.status != fiber.StatusOK {
		log.Warn().
			Int("status", res.status).
			Str("redemption_id", req.RedemptionID).
			Msg("woocommerce rejected coupon")
		return model.RewardArtifact{}, fmt.Errorf("create coupon: unexpected status %d", res.status)
	}

	var created couponResponse
	if err := json.Unmarshal(res.body, &created); err != nil {
		return model.RewardArtifact{}, fmt.Errorf("decode coupon response: %w", err)
	}
	if created.Code != "" {
		code = strings.ToUpper(created.Code)
	}

	return model.RewardArtifact{
		Kind:         kind,
		Code:         code,
		Value:        req.Option.Value,
		FreeShipping: kind == model.RewardFreeShipping,
		ExternalID:   fmt.Sprintf("%d", created.ID),
	}, nil
}
