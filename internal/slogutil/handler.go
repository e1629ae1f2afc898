package slogutil

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
)

// MessageKey replaces slog's "msg" key in JSON output.
const MessageKey = "message"

const redacted = "[redacted]"

// Hook is called when a slog record is handled.
type Hook interface {
	Run(ctx context.Context, r *slog.Record)
}

// Handler wraps a slog.Handler and runs hooks on every record before it is
// written. Attributes carried by the context are always added.
type Handler struct {
	handler slog.Handler
	hooks   []Hook
}

// NewHandler builds a text or JSON handler writing to cfg.Writer. Secrets
// are redacted from every record regardless of cfg.ReplaceAttr.
func NewHandler(config ...Config) Handler {
	cfg := mergeConfig(config...)

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactSecrets(cfg.ReplaceAttr),
	}

	var base slog.Handler
	if cfg.Format == FormatJSON {
		opts.ReplaceAttr = changeMsgKey(opts.ReplaceAttr)
		base = slog.NewJSONHandler(cfg.Writer, opts)
	} else {
		base = slog.NewTextHandler(cfg.Writer, opts)
	}

	return WrapHandler(base).WithHooks(cfg.Hooks...)
}

// WrapHandler adds hook support to h. A nil h logs text to stderr.
func WrapHandler(h slog.Handler) Handler {
	if h == nil {
		h = slog.NewTextHandler(os.Stderr, nil)
	}

	return Handler{
		handler: h,
		hooks:   []Hook{dataHook{}},
	}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.handler.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	for _, hook := range h.hooks {
		hook.Run(ctx, &r)
	}

	return h.handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{
		hooks:   h.hooks,
		handler: h.handler.WithAttrs(attrs),
	}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{
		hooks:   h.hooks,
		handler: h.handler.WithGroup(name),
	}
}

// WithHooks returns a copy of h running hooks after the existing ones.
func (h Handler) WithHooks(hooks ...Hook) Handler {
	if len(hooks) == 0 {
		return h
	}

	return Handler{
		hooks:   append(slices.Clip(h.hooks), hooks...),
		handler: h.handler,
	}
}

func changeMsgKey(fn ReplaceAttrFunc) ReplaceAttrFunc {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.MessageKey {
			a = slog.String(MessageKey, a.Value.String())
		}

		if fn != nil {
			return fn(groups, a)
		}

		return a
	}
}

// redactSecrets masks password and authorization attributes and strips
// the user info from URL attributes before fn sees them.
func redactSecrets(fn ReplaceAttrFunc) ReplaceAttrFunc {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch key := strings.ToLower(a.Key); {
		case key == "password" || key == "authorization":
			a = slog.String(a.Key, redacted)
		case key == "url" || strings.HasSuffix(key, "_url"):
			a = slog.String(a.Key, stripUserinfo(a.Value.String()))
		}

		if fn != nil {
			return fn(groups, a)
		}
		return a
	}
}

func stripUserinfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
