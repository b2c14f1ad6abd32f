package payments

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentlink"
	"github.com/stripe/stripe-go/v74/price"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

// StripeGateway creates payment links for new rides and refunds cancelled ones.
type StripeGateway struct {
	currency   string
	successURL string
}

// NewStripeGateway initializes the stripe client with the given secret key.
func NewStripeGateway(key, currency, successURL string) *StripeGateway {
	stripe.Key = key
	return &StripeGateway{currency: currency, successURL: successURL}
}

// productName is what the rider sees on the hosted payment page.
func productName(r *models.Ride) string {
	route := r.Pickup + " -> " + r.Destination
	if len(r.Stops) > 0 {
		route = r.Pickup + " -> " + strings.Join(r.Stops, " -> ") + " -> " + r.Destination
	}
	name := fmt.Sprintf("%s ride: %s, %.1f km", r.VehicleType, route, r.DistanceMeters/1000)
	if len(name) > 250 {
		name = name[:250]
	}
	return name
}

func (s *StripeGateway) priceParams(r *models.Ride) *stripe.PriceParams {
	return &stripe.PriceParams{
		Currency:    stripe.String(s.currency),
		UnitAmount:  stripe.Int64(pricing.MinorUnits(r.Price)),
		ProductData: &stripe.PriceProductDataParams{Name: stripe.String(productName(r))},
	}
}

func (s *StripeGateway) linkParams(r *models.Ride, priceID string) *stripe.PaymentLinkParams {
	params := &stripe.PaymentLinkParams{
		LineItems: []*stripe.PaymentLinkLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		AfterCompletion: &stripe.PaymentLinkAfterCompletionParams{
			Type:     stripe.String("redirect"),
			Redirect: &stripe.PaymentLinkAfterCompletionRedirectParams{URL: stripe.String(s.successURL)},
		},
	}
	// checkout sessions opened from the link inherit this metadata
	params.AddMetadata("ride_id", r.ID)
	params.AddMetadata("rider_id", r.RiderID)
	return params
}

// CreatePaymentLink returns the hosted URL the rider pays through.
func (s *StripeGateway) CreatePaymentLink(ctx context.Context, r *models.Ride) (string, error) {
	if r.PaymentStatus {
		return "", fmt.Errorf("ride %s is already paid: %w", r.ID, apperr.ErrConflict)
	}
	pp := s.priceParams(r)
	pp.Context = ctx
	p, err := price.New(pp)
	if err != nil {
		return "", apperr.Upstream("create price", err)
	}
	lp := s.linkParams(r, p.ID)
	lp.Context = ctx
	link, err := paymentlink.New(lp)
	if err != nil {
		return "", apperr.Upstream("create payment link", err)
	}
	return link.URL, nil
}

// Refund returns amountMinor of the captured payment.
func (s *StripeGateway) Refund(ctx context.Context, paymentIntentID string, amountMinor int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amountMinor),
	}
	params.Context = ctx
	rf, err := refund.New(params)
	if err != nil {
		return "", apperr.Upstream("refund", err)
	}
	return rf.ID, nil
}
