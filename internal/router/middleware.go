package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "bnoobot/pkg/logx"
)

// HandlerFunc runs one command invocation.
type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowCommand is the duration above which a successful command is logged at info.
const slowCommand = 750 * time.Millisecond

// Chain wraps h so that m[0] is the outermost layer.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Deadline bounds a handler; d <= 0 leaves ctx as is.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("command panicked",
						logx.Any("panic", p),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Audit logs each invocation with its outcome and duration.
func Audit() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("from", req.From),
				logx.Int("args", len(req.Args)),
				logx.Duration("took", took),
			}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command slow", fields...)
			default:
				req.Logger.Debug("command done", fields...)
			}
			return err
		}
	}
}
