package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

func testNotification() domain.Notification {
	return domain.Notification{
		ID:          "sent-1",
		Partition:   domain.PartitionSent,
		Title:       "Quarterly update",
		Summary:     "hello",
		ButtonTitle: "Open",
		ButtonLink:  "https://example.com",
		Poll:        &domain.Poll{Options: []string{"yes", "no"}},
		AckRequired: true,
	}
}

func TestChatAdapterProviderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotBody sendRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("X-Activity-ID", "activity-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	p, err := NewChatAdapterProvider(server.URL)
	if err != nil {
		t.Fatalf("NewChatAdapterProvider() error = %v", err)
	}

	notification := testNotification()
	resp, err := p.Send(context.Background(), notification, "user-1")
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.MessageID != "activity-1" {
		t.Fatalf("MessageID = %q, want %q", resp.MessageID, "activity-1")
	}

	if gotBody.NotificationID != notification.ID {
		t.Fatalf("request.notificationId = %q, want %q", gotBody.NotificationID, notification.ID)
	}
	if gotBody.RecipientID != "user-1" {
		t.Fatalf("request.recipientId = %q, want user-1", gotBody.RecipientID)
	}
	if gotBody.Card.Title != notification.Title || !gotBody.Card.AckRequired {
		t.Fatalf("request.card = %+v, want title and ack flag", gotBody.Card)
	}
	if gotBody.Card.Poll == nil || len(gotBody.Card.Poll.Options) != 2 {
		t.Fatalf("request.card.poll = %+v, want 2 options", gotBody.Card.Poll)
	}
}

func TestChatAdapterProviderSendStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "unknown recipient is permanent", statusCode: http.StatusNotFound, wantTransient: false},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
		{name: "request timeout is transient", statusCode: http.StatusRequestTimeout, wantTransient: true},
		{name: "blocked recipient is permanent", statusCode: http.StatusForbidden, wantTransient: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("adapter failed"))
			}))
			defer server.Close()

			p, err := NewChatAdapterProvider(server.URL)
			if err != nil {
				t.Fatalf("NewChatAdapterProvider() error = %v", err)
			}

			_, err = p.Send(context.Background(), testNotification(), "user-1")
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var deliveryErr *DeliveryError
			if !errors.As(err, &deliveryErr) {
				t.Fatalf("expected DeliveryError, got %T", err)
			}
			if deliveryErr.StatusCode != tc.statusCode {
				t.Fatalf("DeliveryError.StatusCode = %d, want %d", deliveryErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestChatAdapterProviderSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	p, err := NewChatAdapterProviderWithClient(server.URL, client)
	if err != nil {
		t.Fatalf("NewChatAdapterProviderWithClient() error = %v", err)
	}

	_, err = p.Send(context.Background(), testNotification(), "user-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}

	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestChatAdapterProviderRequiresRecipient(t *testing.T) {
	t.Parallel()

	p, err := NewChatAdapterProvider("http://127.0.0.1:1/send")
	if err != nil {
		t.Fatalf("NewChatAdapterProvider() error = %v", err)
	}

	_, err = p.Send(context.Background(), testNotification(), " ")
	if err == nil {
		t.Fatal("expected error for empty recipient")
	}
	if IsTransient(err) {
		t.Fatal("missing recipient must be permanent")
	}
}

func TestNewChatAdapterProviderRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := NewChatAdapterProvider(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := NewChatAdapterProvider("not a url"); err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
}

func TestChatAdapterProviderThrottleCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p, err := NewChatAdapterProvider(server.URL)
	if err != nil {
		t.Fatalf("NewChatAdapterProvider() error = %v", err)
	}

	resp, err := p.Send(context.Background(), testNotification(), "user-1")
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
	if got := RetryAfter(err); got != 7*time.Second {
		t.Fatalf("RetryAfter() = %s, want 7s", got)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("response = %+v, want status 429 for the attempt audit", resp)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassPermanent},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), want: ClassTransient},
		{name: "canceled", err: context.Canceled, want: ClassPermanent},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: ClassTransient},
		{name: "wrapped delivery error", err: fmt.Errorf("x: %w", &DeliveryError{Class: ClassTransient}), want: ClassTransient},
		{name: "unrecognized", err: errors.New("boom"), want: ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "3", want: 3 * time.Second},
		{value: "-1", want: 0},
		{value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{value: "soon", want: 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
