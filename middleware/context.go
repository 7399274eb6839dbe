package middleware

import (
	"context"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for JWT claims
	ClaimsKey contextKey = "claims"

	// EvaluationKey is the context key for the enforcement result of a gated request
	EvaluationKey contextKey = "enforcement_result"
)

// Claims represents the admin token claims after validation
type Claims struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"roles"`
	Issuer    string    `json:"iss"`
	ExpiresAt time.Time `json:"exp"`
}

// HasRole reports whether the claims grant role
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetRequestIDFromContext retrieves the request ID from context,
// falling back to the ID assigned by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetEvaluationFromContext retrieves the enforcement result stored by Enforce
func GetEvaluationFromContext(ctx context.Context) *enforcement.EvaluationResult {
	if val := ctx.Value(EvaluationKey); val != nil {
		if result, ok := val.(*enforcement.EvaluationResult); ok {
			return result
		}
	}
	return nil
}

// WithEvaluation adds an enforcement result to the context
func WithEvaluation(ctx context.Context, result *enforcement.EvaluationResult) context.Context {
	return context.WithValue(ctx, EvaluationKey, result)
}
