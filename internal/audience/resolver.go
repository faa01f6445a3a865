package audience

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

const (
	defaultResolveTimeout = 30 * time.Second
	maxPages              = 10_000
)

// Resolver expands audience targeting into recipient ids.
type Resolver interface {
	Resolve(ctx context.Context, audience domain.Audience) ([]string, error)
}

type resolveRequest struct {
	domain.Audience
	Cursor string `json:"cursor,omitempty"`
}

type resolveResponse struct {
	RecipientIDs []string `json:"recipientIds"`
	NextCursor   string   `json:"nextCursor"`
}

// HTTPResolver pages through the audience service until it returns no cursor.
type HTTPResolver struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPResolver(endpoint string) (*HTTPResolver, error) {
	client := resty.New()
	client.SetTimeout(defaultResolveTimeout)
	client.SetRetryCount(2)

	return NewHTTPResolverWithClient(endpoint, client)
}

func NewHTTPResolverWithClient(endpoint string, client *resty.Client) (*HTTPResolver, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("audience service endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid audience service endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &HTTPResolver{client: client, endpoint: trimmedEndpoint}, nil
}

// Resolve returns the de-duplicated recipients in the order the service first lists them.
func (r *HTTPResolver) Resolve(ctx context.Context, audience domain.Audience) ([]string, error) {
	if audience.IsEmpty() {
		return nil, fmt.Errorf("%w: audience is empty", domain.ErrValidation)
	}

	seen := make(map[string]struct{})
	recipients := make([]string, 0)
	cursor := ""

	for page := 0; page < maxPages; page++ {
		var body resolveResponse
		response, err := r.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(resolveRequest{Audience: audience, Cursor: cursor}).
			SetResult(&body).
			Post(r.endpoint)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, fmt.Errorf("audience service request failed: %w", err)
		}
		if response.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("audience service returned status %d: %s",
				response.StatusCode(), strings.TrimSpace(response.String()))
		}

		for _, id := range body.RecipientIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			recipients = append(recipients, id)
		}

		if body.NextCursor == "" {
			return recipients, nil
		}
		cursor = body.NextCursor
	}

	return nil, fmt.Errorf("audience service exceeded %d pages", maxPages)
}
