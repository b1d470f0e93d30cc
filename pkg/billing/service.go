package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fileworks/tessera/pkg/audit"
	"github.com/fileworks/tessera/pkg/observability"
	"github.com/fileworks/tessera/pkg/tenants"
)

// TenantStore is the slice of the tenant store this boundary needs:
// resolving a billing customer id to a tenant and moving its plan.
type TenantStore interface {
	GetTenantByLagoID(ctx context.Context, lagoCustomerID string) (*tenants.Tenant, error)
	GetTenantByStripeID(ctx context.Context, stripeCustomerID string) (*tenants.Tenant, error)
	UpdatePlan(ctx context.Context, id int64, plan string) (string, error)
}

// Config carries the per-provider webhook secrets.
type Config struct {
	LagoWebhookSecret   string
	StripeWebhookSecret string
}

// Service applies verified plan-change webhooks to tenant rows.
type Service struct {
	store       TenantStore
	config      Config
	auditLogger audit.Logger
	log         *observability.Logger
}

// NewService creates the webhook service. A nil audit logger degrades to
// the no-op logger; log must not be nil.
func NewService(store TenantStore, config Config, auditLogger audit.Logger, log *observability.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		store:       store,
		config:      config,
		auditLogger: auditLogger,
		log:         log,
	}
}

// Lago subscription events that carry a plan this package applies.
var lagoPlanEvents = map[string]bool{
	"subscription.started": true,
	"subscription.updated": true,
}

// HandleLagoEvent verifies and applies one Lago webhook. Only a signature
// failure is an error; everything else that cannot be applied is reported
// in the returned PlanChange and answered as success upstream.
func (s *Service) HandleLagoEvent(ctx context.Context, payload []byte, signature string) (*PlanChange, error) {
	change := &PlanChange{Provider: "lago"}

	if !verifyLagoSignature(payload, signature, s.config.LagoWebhookSecret) {
		return nil, ErrBadSignature
	}

	var event LagoWebhook
	if err := json.Unmarshal(payload, &event); err != nil {
		s.log.WithError(err).Warn("ignoring malformed lago webhook")
		change.Reason = "malformed payload"
		return change, nil
	}

	if !lagoPlanEvents[event.WebhookType] {
		change.Reason = fmt.Sprintf("event %q carries no plan", event.WebhookType)
		return change, nil
	}
	if event.Subscription == nil || event.Subscription.ExternalCustomerID == "" {
		s.log.WithField("webhook_type", event.WebhookType).Warn("ignoring lago webhook without a subscription")
		change.Reason = "no subscription in payload"
		return change, nil
	}

	plan, ok := PlanForCode(event.Subscription.PlanCode)
	if !ok {
		s.log.WithFields(map[string]interface{}{
			"plan_code": event.Subscription.PlanCode,
			"customer":  event.Subscription.ExternalCustomerID,
		}).Warn("ignoring unmapped lago plan code")
		change.Reason = fmt.Sprintf("unmapped plan code %q", event.Subscription.PlanCode)
		return change, nil
	}

	tenant, err := s.store.GetTenantByLagoID(ctx, event.Subscription.ExternalCustomerID)
	if err != nil {
		if errors.Is(err, tenants.ErrTenantNotFound) {
			s.log.WithField("customer", event.Subscription.ExternalCustomerID).Warn("ignoring lago webhook for unknown tenant")
			change.Reason = "unknown customer"
			return change, nil
		}
		return nil, err
	}

	return s.applyPlan(ctx, change, tenant.ID, plan)
}

// applyPlan moves the tenant to the mapped plan and audits the change. A
// webhook re-delivered after a successful apply is a no-op with no second
// audit row.
func (s *Service) applyPlan(ctx context.Context, change *PlanChange, tenantID int64, plan string) (*PlanChange, error) {
	oldPlan, err := s.store.UpdatePlan(ctx, tenantID, plan)
	if err != nil {
		return nil, err
	}

	change.TenantID = tenantID
	change.OldPlan = oldPlan
	change.NewPlan = plan
	change.Applied = true

	if oldPlan == plan {
		change.Reason = "already on plan"
		return change, nil
	}

	_ = s.auditLogger.LogPlanChanged(ctx, tenantID, oldPlan, plan)
	s.log.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"old_plan":  oldPlan,
		"new_plan":  plan,
	}).Info("tenant plan changed by billing webhook")
	return change, nil
}

// verifyLagoSignature checks the hex HMAC-SHA256 of the payload. The
// comparison is constant time.
func verifyLagoSignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignLagoPayload produces the signature header value Lago is configured
// to send. Exported for tests and for the CLI's webhook replay.
func SignLagoPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
