package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "briefbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// slowRequest promotes the completion log line from debug to info.
const slowRequest = 750 * time.Millisecond

// errPanic marks a handler failure caused by a recovered panic.
var errPanic = errors.New("handler panicked")

// Chain wraps h so that m[0] runs outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds the handler with d. Zero or negative leaves ctx alone.
func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover converts a handler panic into an error wrapping errPanic.
func MWPanicRecover(fallback logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				req.logger(fallback).Error("command handler panicked",
					logx.Any("panic", p),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: %v", errPanic, p)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs every handled command with its duration and outcome.
func MWRequestLog(fallback logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)

			log := req.logger(fallback)
			switch {
			case err != nil:
				log.Warn("command failed", logx.Duration("dur", took), logx.Int("args", len(req.Args)), logx.Err(err))
			case took >= slowRequest:
				log.Info("command handled (slow)", logx.Duration("dur", took))
			default:
				log.Debug("command handled", logx.Duration("dur", took))
			}
			return err
		}
	}
}

// logger is the request-scoped logger when present, else fallback.
func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}
