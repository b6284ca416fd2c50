// Package reward turns a reserved redemption into something the customer can use:
// a coupon code, a free-shipping voucher or a fulfillment ticket.
package reward

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// IssueRequest describes the reward to produce.
type IssueRequest struct {
	UserID       string
	RedemptionID string
	Option       model.RedemptionOption
}

// Issuer produces reward artifacts. Implementations must honour ctx cancellation.
type Issuer interface {
	Issue(ctx context.Context, req IssueRequest) (model.RewardArtifact, error)
}

// GenerateCode returns a random code in the format LOYAL-XXXX-XXXX.
func GenerateCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("LOYAL-%s-%s", h[:4], h[4:]), nil
}

// KindFor maps a catalog category to the artifact kind it produces.
func KindFor(category model.RedemptionCategory) string {
	switch category {
	case model.CategoryDiscount:
		return model.RewardCoupon
	case model.CategoryShipping:
		return model.RewardFreeShipping
	default:
		return model.RewardFulfillment
	}
}

// LocalIssuer generates codes without calling any external system. The storefront
// validates them against the redemption record.
type LocalIssuer struct{}

// NewLocalIssuer creates a LocalIssuer.
func NewLocalIssuer() *LocalIssuer {
	return &LocalIssuer{}
}

// Issue generates a code for req.
func (i *LocalIssuer) Issue(ctx context.Context, req IssueRequest) (model.RewardArtifact, error) {
	if err := ctx.Err(); err != nil {
		return model.RewardArtifact{}, err
	}
	code, err := GenerateCode()
	if err != nil {
		return model.RewardArtifact{}, err
	}

	kind := KindFor(req.Option.Category)
	return model.RewardArtifact{
		Kind:         kind,
		Code:         code,
		Value:        req.Option.Value,
		FreeShipping: kind == model.RewardFreeShipping,
	}, nil
}
