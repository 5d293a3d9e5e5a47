// Package telegram carries the delivery-scoped plumbing around the Telegram
// channel: the ambient delivery context that correlates asynchronous work,
// and the voice-send deduper that suppresses duplicate uploads.
package telegram

import (
	"context"

	"github.com/google/uuid"
)

// EnvDedupVoice enables the voice-send deduper.
const EnvDedupVoice = "OPENCLAW_TELEGRAM_DEDUP_VOICE"

// DeliveryContext correlates every side effect of one delivery. It rides on
// context.Context, so concurrent continuations each observe an independent
// copy and a child's overrides never reach the parent.
type DeliveryContext struct {
	DeliveryID string
	AccountID  string
	ChatID     string
	Operation  string
}

type deliveryKey struct{}

// With binds a delivery context for the duration of ctx.
func With(ctx context.Context, dc DeliveryContext) context.Context {
	return context.WithValue(ctx, deliveryKey{}, dc)
}

// WithPartial inherits the current delivery context, overlays the non-empty
// fields of partial, and assigns a fresh DeliveryID unless partial supplies
// one. Each call therefore starts a new correlated delivery.
func WithPartial(ctx context.Context, partial DeliveryContext) context.Context {
	dc := Current(ctx)
	if partial.AccountID != "" {
		dc.AccountID = partial.AccountID
	}
	if partial.ChatID != "" {
		dc.ChatID = partial.ChatID
	}
	if partial.Operation != "" {
		dc.Operation = partial.Operation
	}
	if partial.DeliveryID != "" {
		dc.DeliveryID = partial.DeliveryID
	} else {
		dc.DeliveryID = uuid.NewString()
	}
	return With(ctx, dc)
}

// Current returns the delivery context bound to ctx, zero if none.
func Current(ctx context.Context) DeliveryContext {
	if dc, ok := ctx.Value(deliveryKey{}).(DeliveryContext); ok {
		return dc
	}
	return DeliveryContext{}
}
