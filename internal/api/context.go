package api

import (
	"context"

	"github.com/org/keyvault/pkg/models"
)

type contextKey string

const (
	ctxKeyToken     contextKey = "token"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyAudit     contextKey = "audit"
)

// auditCarrier lets middleware that runs after audit setup report the
// resolved identity back to the audit middleware, which only sees the
// outer request context.
type auditCarrier struct {
	identity string
}

func withAuditCarrier(ctx context.Context, c *auditCarrier) context.Context {
	return context.WithValue(ctx, ctxKeyAudit, c)
}

func auditCarrierFromCtx(ctx context.Context) *auditCarrier {
	c, _ := ctx.Value(ctxKeyAudit).(*auditCarrier)
	return c
}

func withToken(ctx context.Context, t *models.Token) context.Context {
	return context.WithValue(ctx, ctxKeyToken, t)
}

func tokenFromCtx(ctx context.Context) *models.Token {
	t, _ := ctx.Value(ctxKeyToken).(*models.Token)
	return t
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
