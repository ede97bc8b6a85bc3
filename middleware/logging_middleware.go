package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gps-uplink/message"
)

// LoggingMiddleware logs every request at Debug and failed ones at Warn.
// Delivery failures are logged in detail by the orchestrator itself.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("action", req.Action),
				zap.Duration("duration", time.Since(start)),
			}
			if req.CorrelationID != "" {
				fields = append(fields, zap.String("correlation_id", req.CorrelationID))
			}
			if resp.Error != "" && req.Action != message.ActionDeliver {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("request served", append(fields, zap.Bool("success", resp.Success))...)
			return resp
		}
	}
}
