package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"tickbot/internal/storage"
	logx "tickbot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

// Auditor persists operator actions.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// UserError is an error whose message is safe to show in chat.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

func userErrorf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{logx.Duration("dur", d)}
			var ue *UserError
			switch {
			case err == nil && d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			case err == nil:
				logger.Debug("request ok", fields...)
			case errors.As(err, &ue):
				logger.Debug("request rejected", append(fields, logx.String("reason", ue.Msg))...)
			default:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// MWAudit appends one audit row per invocation. Audit failures are logged
// and never change the command result.
func MWAudit(a Auditor, log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			entry := storage.AuditEntry{
				At:            start.UTC(),
				ActorID:       req.FromID,
				ActorUsername: req.FromUsername,
				ChatID:        req.Chat.ChatID,
				ThreadID:      req.Chat.ThreadID,
				Command:       req.Command,
				Target:        req.AuditTarget,
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
			}
			if err != nil {
				entry.Error = err.Error()
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			if aerr := a.AppendAudit(actx, entry); aerr != nil {
				log.Warn("audit append failed", logx.String("cmd", req.Command), logx.Err(aerr))
			}
			return err
		}
	}
}

// MWReplyError tells the user what went wrong. Internal errors get a generic
// message carrying the request id for log correlation.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var ue *UserError
			text := "Something went wrong (ref " + req.ReqID + ")."
			if errors.As(err, &ue) {
				text = ue.Msg
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = req.Reply(rctx, text)
			return err
		}
	}
}
