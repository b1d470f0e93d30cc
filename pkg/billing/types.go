package billing

import "errors"

// Subscription plans a tenant row can carry. These are the only values
// subscription_plan takes; external plan codes map into this set.
const (
	PlanTrial        = "trial"
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

// ErrBadSignature means the payload did not verify against the shared
// secret. The only webhook failure that gets a non-2xx response.
var ErrBadSignature = errors.New("webhook signature verification failed")

// planCodes is the static lookup from provider plan codes to subscription
// plans. Lago plan codes and Stripe price lookup keys share the namespace;
// both providers are configured with these exact codes.
var planCodes = map[string]string{
	"trial":                PlanTrial,
	"starter_monthly":      PlanStarter,
	"starter_yearly":       PlanStarter,
	"professional_monthly": PlanProfessional,
	"professional_yearly":  PlanProfessional,
	"enterprise_monthly":   PlanEnterprise,
	"enterprise_yearly":    PlanEnterprise,
}

// PlanForCode maps an external plan code to a subscription plan. Unknown
// codes report false; the webhook layer logs and ignores those.
func PlanForCode(code string) (string, bool) {
	plan, ok := planCodes[code]
	return plan, ok
}

// LagoWebhook is the envelope Lago posts. Only subscription events carry a
// payload this package reads.
type LagoWebhook struct {
	WebhookType  string            `json:"webhook_type"`
	ObjectType   string            `json:"object_type"`
	Subscription *LagoSubscription `json:"subscription,omitempty"`
}

// LagoSubscription is the slice of Lago's subscription object this package
// consumes. external_customer_id is the lago_customer_id stored on the
// tenant row.
type LagoSubscription struct {
	ExternalCustomerID string `json:"external_customer_id"`
	PlanCode           string `json:"plan_code"`
	Status             string `json:"status,omitempty"`
}

// PlanChange is the normalized outcome of a verified webhook, whatever the
// provider. Applied is false when the event was ignored.
type PlanChange struct {
	Provider string `json:"provider"`
	TenantID int64  `json:"tenant_id,omitempty"`
	OldPlan  string `json:"old_plan,omitempty"`
	NewPlan  string `json:"new_plan,omitempty"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
}
