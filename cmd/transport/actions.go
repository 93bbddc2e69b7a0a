package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/transport"
)

func builtinActions(cfg config.Config) *transport.Mux {
	mux := transport.NewMux(cfg.Origin, cfg.TopicPrefix)
	mux.Handle("sys.ping", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"pong":   true,
			"origin": cfg.Origin,
			"time":   time.Now().UnixMilli(),
		})
	})
	mux.Handle("sys.echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	return mux
}
