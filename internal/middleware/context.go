package middleware

import "context"

type operatorKey struct{}

type errorCodeKey struct{}

// SetOperator records the authenticated operator subject for the request log.
func SetOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey{}, subject)
}

func GetOperator(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey{}).(string)
	return sub
}

// SetErrorCode records the machine-readable code of an error response, e.g.
// "idempotency_conflict", so the request log can report it. Handlers must
// pass the returned context to UpdateResponseContext.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

type idempotencyKeyCtx struct{}

// SetIdempotencyKey stores an already validated key on ctx.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// GetIdempotencyKey returns the key accepted by RequireIdempotencyKey, or ""
// on routes it does not guard.
func GetIdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
