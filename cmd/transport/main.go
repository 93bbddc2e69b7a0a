package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/broker"
	"github.com/HsiangNianian/AMonItor/transport/internal/config"
	"github.com/HsiangNianian/AMonItor/transport/internal/gateway"
	"github.com/HsiangNianian/AMonItor/transport/internal/metrics"
	"github.com/HsiangNianian/AMonItor/transport/internal/store"
	"github.com/HsiangNianian/AMonItor/transport/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Getenv("TRANSPORT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			prometheus.NewRegistry,
			newMetrics,
			newTransport,
			newStore,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerListener, registerClient),
	).Run()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newTransport(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *transport.Transport {
	tr := transport.New(cfg, broker.Redis{}, logger, m, nil)
	lc.Append(fx.Hook{OnStop: tr.Close})
	return tr
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) store.Store {
	if cfg.Store.RedisAddr == "" {
		logger.Info("use memory store")
		return store.NewMemoryStore()
	}
	st := store.NewRedisStore(cfg.Store.RedisAddr)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return st.Close() }})
	logger.Info("use redis store", zap.String("addr", cfg.Store.RedisAddr))
	return st
}

func registerListener(lc fx.Lifecycle, cfg config.Config, tr *transport.Transport) {
	if !cfg.Listen.Enabled {
		return
	}
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		_, err := tr.Listen(ctx, cfg.Listen.Type, builtinActions(cfg), cfg.Listen.Options)
		return err
	}})
}

func registerClient(lc fx.Lifecycle, cfg config.Config, tr *transport.Transport, st store.Store, reg *prometheus.Registry, logger *zap.Logger) {
	if !cfg.Client.Enabled && !cfg.Gateway.Enabled {
		return
	}

	var (
		srv    *http.Server
		cancel context.CancelFunc
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			client, err := tr.Client(ctx, cfg.Client.Type, clientTopics(cfg), cfg.Client.Options)
			if err != nil {
				return err
			}

			var loopCtx context.Context
			loopCtx, cancel = context.WithCancel(context.Background())
			interval := time.Duration(cfg.Client.ExpireIntervalSeconds) * time.Second
			go expirePending(loopCtx, client, interval, client.Options().TimeoutDuration())

			if !cfg.Gateway.Enabled {
				return nil
			}
			hub := gateway.NewHub(st, client, cfg.Gateway.PanelAuthToken, cfg.TopicPrefix, logger)
			for _, r := range cfg.Routes {
				if err := hub.AddRoute(ctx, r.TargetID, r.Topic); err != nil {
					return fmt.Errorf("route %s: %w", r.TargetID, err)
				}
			}

			mux := http.NewServeMux()
			mux.HandleFunc(cfg.Gateway.PanelPath, hub.HandlePanel)
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			srv = &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: mux}
			go func() {
				logger.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("gateway server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if srv == nil {
				return nil
			}
			return srv.Shutdown(ctx)
		},
	})
}

// clientTopics is the configured client topics plus every route topic.
func clientTopics(cfg config.Config) []string {
	seen := make(map[string]struct{})
	var topics []string
	add := func(t string) {
		if _, ok := seen[t]; ok || t == "" {
			return
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	for _, t := range cfg.Client.Topics {
		add(t)
	}
	for _, r := range cfg.Routes {
		add(r.Topic)
	}
	return topics
}

func expirePending(ctx context.Context, client *transport.Client, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.Expire(maxAge)
		}
	}
}
