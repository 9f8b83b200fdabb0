package rpcclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// CallFunc is the shape wrapped by a Middleware: a single Call
// invocation. Generalized from the teacher's middleware.HandlerFunc,
// which wrapped a server-side *message.RPCMessage handler — here it
// wraps the client-side Call path instead, since that's the one
// cross-cutting seam a JsonRpcClient caller can observe.
type CallFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

// Middleware decorates a CallFunc, the same onion model as the
// teacher's middleware.Middleware: Chain(A, B)(handler) runs
// A.before -> B.before -> handler -> B.after -> A.after.
type Middleware func(next CallFunc) CallFunc

// Chain composes middlewares with the first entry as the outermost
// layer, identical in order to the teacher's middleware.Chain.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// WithMiddleware wraps c.Call with the given chain, returning a CallFunc
// callers can invoke instead of c.Call directly. Retry and rate
// limiting already live in the tracker and rclient respectively, so
// this seam is for per-call cross-cutting concerns layered above
// those — logging being the one the teacher names.
func (c *Client) WithMiddleware(mw ...Middleware) CallFunc {
	return Chain(mw...)(c.Call)
}

// LoggingMiddleware logs method, duration, and any error for each call,
// adapted from the teacher's middleware.LoggingMiddleware (which used
// log.Printf against a *message.RPCMessage) to zap structured fields
// against a Call's returned error.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, method, params)
			fields := []zap.Field{
				zap.String("method", method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("rpcclient: call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("rpcclient: call completed", fields...)
			}
			return result, err
		}
	}
}
