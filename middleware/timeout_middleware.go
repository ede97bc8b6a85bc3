package middleware

import (
	"context"
	"time"

	"gps-uplink/message"
)

// TimeOutMiddleware bounds every request by timeout, or by the caller's own
// timeout_ms when that is shorter. The handler sees the deadline through ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			d := timeout
			if req.TimeoutMs > 0 {
				if own := time.Duration(req.TimeoutMs) * time.Millisecond; d <= 0 || own < d {
					d = own
				}
			}
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				// Prefer the handler's own answer if it arrives promptly
				select {
				case resp := <-done:
					return resp
				case <-time.After(10 * time.Millisecond):
				}
				return message.Failure("request timed out")
			}
		}
	}
}
