package dispatch

import (
	"context"
	"time"

	logx "panelbot/pkg/logx"
)

type handlerFunc func(ctx context.Context, req *request) error

type middleware func(next handlerFunc) handlerFunc

func chain(h handlerFunc, m ...middleware) handlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// mwRequestLog logs the outcome. Panics are not recovered here; the
// update dispatcher recovers and counts them.
func mwRequestLog(log logx.Logger) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, req *request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", req.kind),
				logx.Int64("chat_id", req.chat.ChatID),
				logx.Int("thread_id", req.chat.ThreadID),
				logx.Int64("from_id", req.fromID),
				logx.String("cmd", req.command),
				logx.Duration("dur", d),
			}
			if err != nil {
				log.Warn("request failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				log.Info("request ok", fields...)
			} else {
				log.Debug("request ok", fields...)
			}
			return err
		}
	}
}
