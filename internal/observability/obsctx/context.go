package obsctx

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	orgRefKey    contextKey = "org_ref"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func WithOrgRef(ctx context.Context, orgRef string) context.Context {
	return context.WithValue(ctx, orgRefKey, orgRef)
}

func OrgRefFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(orgRefKey).(string); ok {
		return v
	}
	return ""
}
