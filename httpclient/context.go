/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import "context"

type ctxKey int

const (
	ctxKeyRequestType ctxKey = iota
	ctxKeyIdempotentHint
)

// NewContextWithRequestType returns a context carrying the request type ("upload_file", "update_lead", ...).
// The type is used in logs and in the summary label of client metrics.
func NewContextWithRequestType(ctx context.Context, requestType string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestType, requestType)
}

// GetRequestTypeFromContext extracts the request type from the context.
func GetRequestTypeFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeyRequestType).(string)
	return s
}

// NewContextWithIdempotentHint marks the request as safe to repeat on server errors
// even if its method is POST or PATCH.
func NewContextWithIdempotentHint(ctx context.Context, isIdempotent bool) context.Context {
	return context.WithValue(ctx, ctxKeyIdempotentHint, isIdempotent)
}

// GetIdempotentHintFromContext extracts the idempotent hint from the context.
func GetIdempotentHintFromContext(ctx context.Context) bool {
	b, _ := ctx.Value(ctxKeyIdempotentHint).(bool)
	return b
}
