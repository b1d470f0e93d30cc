package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/fileworks/tessera/pkg/tenants"
)

// Stripe event types that carry a subscription whose price maps to a plan.
var stripePlanEvents = map[string]bool{
	"customer.subscription.created": true,
	"customer.subscription.updated": true,
}

// HandleStripeEvent verifies and applies one Stripe webhook. The signature
// check is the SDK's ConstructEvent; the rest mirrors the Lago path with
// the price lookup key standing in for the plan code.
func (s *Service) HandleStripeEvent(ctx context.Context, payload []byte, sigHeader string) (*PlanChange, error) {
	change := &PlanChange{Provider: "stripe"}

	event, err := webhook.ConstructEvent(payload, sigHeader, s.config.StripeWebhookSecret)
	if err != nil {
		if isStripeSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		// Signed but unparseable. Stripe will never send anything better,
		// so do not ask for a retry.
		s.log.WithError(err).Warn("ignoring malformed stripe webhook")
		change.Reason = "malformed payload"
		return change, nil
	}

	if !stripePlanEvents[string(event.Type)] {
		change.Reason = fmt.Sprintf("event %q carries no plan", event.Type)
		return change, nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.log.WithError(err).Warn("ignoring malformed stripe subscription payload")
		change.Reason = "malformed payload"
		return change, nil
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		s.log.WithField("event_type", event.Type).Warn("ignoring stripe subscription without a customer")
		change.Reason = "no customer in payload"
		return change, nil
	}

	code := stripePlanCode(&sub)
	plan, ok := PlanForCode(code)
	if !ok {
		s.log.WithFields(map[string]interface{}{
			"plan_code": code,
			"customer":  sub.Customer.ID,
		}).Warn("ignoring unmapped stripe price")
		change.Reason = fmt.Sprintf("unmapped plan code %q", code)
		return change, nil
	}

	tenant, err := s.store.GetTenantByStripeID(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, tenants.ErrTenantNotFound) {
			s.log.WithField("customer", sub.Customer.ID).Warn("ignoring stripe webhook for unknown tenant")
			change.Reason = "unknown customer"
			return change, nil
		}
		return nil, err
	}

	return s.applyPlan(ctx, change, tenant.ID, plan)
}

// isStripeSignatureError separates signature failures, which deserve a 401,
// from parse failures inside ConstructEvent, which do not.
func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

// stripePlanCode digs the plan code out of the subscription's first item.
// Prices are configured with lookup keys from the static plan table; the
// price id is the fallback so unmapped prices log something identifiable.
func stripePlanCode(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	price := sub.Items.Data[0].Price
	if price.LookupKey != "" {
		return price.LookupKey
	}
	return price.ID
}
