package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenantID"
	requestIDKey contextKey = "requestID"
)

// ErrTenantIDNotFound is returned when tenant ID is not found in context
var ErrTenantIDNotFound = errors.New("tenant ID not found in context")

// WithTenantID adds a tenant (site) ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// FromContext extracts the tenant ID from the context
func FromContext(ctx context.Context) (string, error) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	if !ok || tenantID == "" {
		return "", ErrTenantIDNotFound
	}
	return tenantID, nil
}

// MustFromContext extracts the tenant ID from the context or panics
func MustFromContext(ctx context.Context) string {
	tenantID, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return tenantID
}

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithRequestID adds a request ID to the context. Realtime connections use their
// connection id here so every log line of a socket can be correlated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// CheckTenant verifies that tenantID matches the tenant bound to ctx, when one is bound.
func CheckTenant(ctx context.Context, tenantID string) error {
	bound, err := FromContext(ctx)
	if err != nil {
		return nil
	}
	if bound != tenantID {
		return errors.New("tenant mismatch: " + tenantID + " != " + bound)
	}
	return nil
}
