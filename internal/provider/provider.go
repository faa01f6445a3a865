package provider

import (
	"context"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

// Provider delivers a sent notification to one recipient on the chat surface.
type Provider interface {
	Send(ctx context.Context, notification domain.Notification, recipientID string) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for the delivery attempt audit.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}
