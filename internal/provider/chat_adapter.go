package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

const defaultAdapterTimeout = 10 * time.Second

type card struct {
	Title       string       `json:"title"`
	ImageLink   string       `json:"imageLink,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Author      string       `json:"author,omitempty"`
	ButtonTitle string       `json:"buttonTitle,omitempty"`
	ButtonLink  string       `json:"buttonLink,omitempty"`
	Poll        *domain.Poll `json:"poll,omitempty"`
	AckRequired bool         `json:"ackRequired"`
}

type sendRequest struct {
	NotificationID string `json:"notificationId"`
	RecipientID    string `json:"recipientId"`
	Card           card   `json:"card"`
}

// ChatAdapterProvider posts one card per recipient to the chat-surface adapter.
type ChatAdapterProvider struct {
	client   *resty.Client
	endpoint string
}

func NewChatAdapterProvider(endpoint string) (*ChatAdapterProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultAdapterTimeout)
	client.SetRetryCount(0)

	return NewChatAdapterProviderWithClient(endpoint, client)
}

func NewChatAdapterProviderWithClient(endpoint string, client *resty.Client) (*ChatAdapterProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("chat adapter endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid chat adapter endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultAdapterTimeout)
	}
	client.SetRetryCount(0)

	return &ChatAdapterProvider{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *ChatAdapterProvider) Send(ctx context.Context, notification domain.Notification, recipientID string) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return nil, &DeliveryError{Reason: "notification id is required"}
	}
	if strings.TrimSpace(recipientID) == "" {
		return nil, &DeliveryError{Reason: "recipient id is required"}
	}

	reqBody := sendRequest{
		NotificationID: notification.ID,
		RecipientID:    recipientID,
		Card: card{
			Title:       notification.Title,
			ImageLink:   notification.ImageLink,
			Summary:     notification.Summary,
			Author:      notification.Author,
			ButtonTitle: notification.ButtonTitle,
			ButtonLink:  notification.ButtonLink,
			Poll:        notification.Poll,
			AckRequired: notification.AckRequired,
		},
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		class := ClassTransient
		if errors.Is(err, context.Canceled) {
			class = ClassPermanent
		}
		return nil, &DeliveryError{Reason: "chat adapter request failed", Class: class, Cause: err}
	}
	if response == nil {
		return nil, &DeliveryError{Reason: "chat adapter returned empty response", Class: ClassTransient}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	deliveryErr := &DeliveryError{
		StatusCode: statusCode,
		Reason:     responseBody,
		Class:      classifyStatus(statusCode),
	}
	if deliveryErr.Class == ClassTransient {
		deliveryErr.RetryAfter = parseRetryAfter(response.Header().Get("Retry-After"), time.Now())
	}
	return &ProviderResponse{StatusCode: statusCode, Body: responseBody}, deliveryErr
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Activity-ID", "X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
