package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gps-uplink/message"
)

// RecoveryMiddleware turns a handler panic into an error response so one bad
// request cannot take the connection down.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("action", req.Action), zap.Any("panic", r), zap.Stack("stack"))
					resp = message.Failure(fmt.Sprintf("internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
