package server

import (
	"context"

	"github.com/bobmcallan/invoicer/internal/common"
)

func withSessionID(ctx context.Context, sessionID string) context.Context {
	return common.WithSessionID(ctx, sessionID)
}

func sessionIDFromContext(ctx context.Context) string {
	return common.SessionIDFromContext(ctx)
}
