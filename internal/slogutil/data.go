package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type data map[string]slog.Attr

type dataKey struct{}

func fromContext(ctx context.Context) (data, bool) {
	d, ok := ctx.Value(dataKey{}).(data)
	return d, ok
}

// With returns a new context carrying the given key-value pairs. Every
// record logged with that context through a Handler gets them as
// attributes, so a mount or request id set once shows up on all lines.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	d, ok := fromContext(ctx)
	if ok {
		d = maps.Clone(d)
	} else {
		d = data{}
	}

	var r slog.Record
	r.Add(kvargs...)
	r.Attrs(func(a slog.Attr) bool {
		d[a.Key] = a
		return true
	})

	return context.WithValue(ctx, dataKey{}, d)
}

// Attrs returns the attributes in the context.
func Attrs(ctx context.Context) []slog.Attr {
	d, ok := fromContext(ctx)
	if !ok {
		return nil
	}

	attrs := make([]slog.Attr, 0, len(d))
	for _, v := range d {
		attrs = append(attrs, v)
	}

	return attrs
}

type dataHook struct{}

func (dataHook) Run(ctx context.Context, r *slog.Record) {
	if ctx == nil {
		return
	}
	r.AddAttrs(Attrs(ctx)...)
}
