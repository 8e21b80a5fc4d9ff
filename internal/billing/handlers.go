package billing

import (
	"context"
	"fmt"

	"github.com/bugbay/bugbay/internal/task"
)

// Enqueuer is the slice of the task store the billing handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload map[string]any, maxAttempts int) (string, error)
}

// PaymentFailedHandler emails the tenant owner when a payment fails. The
// notification goes through the task queue so a slow SMTP relay cannot stall
// provider deliveries.
func PaymentFailedHandler(tasks Enqueuer) Handler {
	return func(ctx context.Context, ev *Event) error {
		to, _ := ev.Data["owner_email"].(string)
		if to == "" {
			// Nothing to notify; the event itself is still recorded.
			return nil
		}
		payload := map[string]any{
			"to":      to,
			"subject": "Payment failed for your Bugbay workspace",
			"html": fmt.Sprintf(
				"<p>A payment for workspace %s failed. Please update your billing details.</p>",
				ev.TenantID,
			),
		}
		if _, err := tasks.Enqueue(ctx, task.TypeSendEmail, payload, 0); err != nil {
			return fmt.Errorf("enqueue payment-failed email: %w", err)
		}
		return nil
	}
}

// SubscriptionCanceledHandler notifies the tenant owner their workspace is
// downgraded at the end of the billing period.
func SubscriptionCanceledHandler(tasks Enqueuer) Handler {
	return func(ctx context.Context, ev *Event) error {
		to, _ := ev.Data["owner_email"].(string)
		if to == "" {
			return nil
		}
		payload := map[string]any{
			"to":      to,
			"subject": "Your Bugbay subscription was canceled",
			"html": fmt.Sprintf(
				"<p>The subscription for workspace %s was canceled and will not renew.</p>",
				ev.TenantID,
			),
		}
		if _, err := tasks.Enqueue(ctx, task.TypeSendEmail, payload, 0); err != nil {
			return fmt.Errorf("enqueue cancellation email: %w", err)
		}
		return nil
	}
}
