// Package logctx enriches slog records with replication attributes carried in
// the context: the cluster message being dispatched and the session being
// touched. Install Handler around any slog.Handler to get the extra groups.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("repl",
			slog.String("event", md.Event),
			slog.String("origin", md.Origin),
			slog.String("id", md.UniqueID),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.Bool("primary", sd.Primary),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type messageDataKey struct{}

type MessageData struct {
	Event    string
	Origin   string
	UniqueID string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Primary   bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
