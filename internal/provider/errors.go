package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Class decides what the dispatch worker does with a failed delivery.
type Class int

const (
	// ClassPermanent marks the recipient Failed without retrying.
	ClassPermanent Class = iota
	// ClassTransient is retried and reported Unknown once attempts run out.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// DeliveryError is a failed chat-surface delivery to one recipient.
type DeliveryError struct {
	StatusCode int
	Reason     string
	Class      Class
	// RetryAfter is the adapter's throttling hint, zero when absent.
	RetryAfter time.Duration
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(e.Class.String())
	b.WriteString(" delivery error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		b.WriteString(": ")
		b.WriteString(reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Classify reports how a send error should be handled. Unrecognized errors are
// permanent so that a misbehaving recipient cannot stall the fan-out.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Class
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether a send error should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// RetryAfter returns the throttling hint carried by a send error, if any.
func RetryAfter(err error) time.Duration {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.RetryAfter
	}
	return 0
}

// classifyStatus maps a chat adapter HTTP status to a delivery class.
// Throttling and server faults are transient; everything else, including an
// unknown or blocked recipient, is permanent.
func classifyStatus(statusCode int) Class {
	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout || statusCode >= http.StatusInternalServerError {
		return ClassTransient
	}
	return ClassPermanent
}

// parseRetryAfter accepts the delay-seconds and HTTP-date forms of Retry-After.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
