package logx

import (
	"context"

	"pkt.systems/flashssh/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	surfaceKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the context logger with the session id if present.
func WithSession(ctx context.Context, id schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == id {
			return log
		}
		log = log.With("session", id)
	}
	return log
}

// WithSessionSurface annotates the context logger with session and surface.
func WithSessionSurface(ctx context.Context, id schema.SessionID, surface string) pslog.Logger {
	log := WithSession(ctx, id)
	if surface != "" {
		if current, ok := ctx.Value(surfaceKey).(string); ok && current == surface {
			return log
		}
		log = log.With("surface", surface)
	}
	return log
}

// WithHost annotates the logger with host profile metadata when available.
func WithHost(log pslog.Logger, host schema.HostProfile) pslog.Logger {
	if host.Name != "" {
		log = log.With("host", host.Name)
	}
	if host.Host != "" {
		log = log.With("addr", host.Host)
	}
	return log
}

// ForSession annotates an existing logger with a session id.
func ForSession(log pslog.Logger, id schema.SessionID) pslog.Logger {
	if id != "" {
		log = log.With("session", id)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, id schema.SessionID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, id)
}

// ContextWithSurface stores the surface marker on the context for log de-duplication.
func ContextWithSurface(ctx context.Context, surface string) context.Context {
	if ctx == nil || surface == "" {
		return ctx
	}
	return context.WithValue(ctx, surfaceKey, surface)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, id schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, id)
}

// CopyContextFields copies session/surface markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if id, ok := src.Value(sessionKey).(schema.SessionID); ok && id != "" {
		dst = ContextWithSession(dst, id)
	}
	if surface, ok := src.Value(surfaceKey).(string); ok && surface != "" {
		dst = ContextWithSurface(dst, surface)
	}
	return dst
}
