package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/alert"
	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/client"
	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/config"
	"github.com/taoyao-code/chatguard/internal/health"
	"github.com/taoyao-code/chatguard/internal/httpserver"
	"github.com/taoyao-code/chatguard/internal/identity"
	"github.com/taoyao-code/chatguard/internal/logging"
	"github.com/taoyao-code/chatguard/internal/metrics"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/session"
	"github.com/taoyao-code/chatguard/internal/storage/journal"
	redisstorage "github.com/taoyao-code/chatguard/internal/storage/redis"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "config file path (default $CHATGUARD_CONFIG or configs/example.yaml)")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "chatguard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1) 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging, cfg.App.Name)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3) 指标
	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)

	// 4) 基础设施
	deps, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// 5) 身份、检测器、编排器
	store := identity.NewStore(identityBackend(cfg, deps), identity.WithLogger(logger.Named("identity")))

	sinks := []anomaly.Sink{appMetrics}
	if deps.journal != nil {
		sinks = append(sinks, deps.journal)
	}
	if cfg.Webhook.Enabled {
		sinks = append(sinks, alertSink(cfg, deps, logger))
	}
	detector, err := anomaly.New(cfg.Anomaly,
		anomaly.WithLogger(logger.Named("anomaly")),
		anomaly.WithSinks(sinks...),
		anomaly.WithSessionID(func() string { return store.Snapshot().SessionID }),
	)
	if err != nil {
		return err
	}
	defer detector.Flush()
	if deps.journal != nil {
		preloadDetections(ctx, deps.journal, detector, logger.Named("journal"))
	}

	registry := sessionRegistry(cfg, deps)
	if rr, ok := registry.(*session.RedisRegistry); ok {
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rr.Cleanup(cctx); err != nil {
				logger.Warn("session registry cleanup failed", zap.Error(err))
			}
		}()
	}
	orch, err := session.New(store, detector, cfg.Session,
		session.WithLogger(logger.Named("session")),
		session.WithObserver(appMetrics),
		session.WithRegistry(registry),
	)
	if err != nil {
		return err
	}
	metrics.RegisterHealthGauges(reg, orch.Health)

	var transport realtime.Transport
	if cfg.Realtime.Enabled {
		transport = realtimeTransport(cfg, store, logger)
	}
	cl := client.New(orch, store, transport, cfg.Realtime.Channel, cfg.Client, client.WithLogger(logger.Named("client")))
	defer func() {
		if err := cl.Logout(); err != nil && !errors.Is(err, client.ErrLoggedOut) {
			logger.Warn("logout failed", zap.Error(err))
		}
	}()

	// 6) 健康检查与 HTTP 服务
	agg := health.NewAggregator(
		health.NewAccountChecker(orch.Health),
		health.NewActivityChecker(orch.Health, 90),
		health.NewChannelChecker(orch.Health, 0),
	)
	if deps.redis != nil {
		agg.AddChecker(health.NewRedisChecker(deps.redis))
	}
	if deps.journal != nil {
		agg.AddChecker(health.NewJournalChecker(deps.journal))
	}
	readiness := health.NewReadiness(agg)

	var httpSrv *httpserver.Server
	if cfg.HTTP.Enable {
		opts := httpserver.Options{
			Ready: readiness.Ready,
			Routes: func(r gin.IRoutes) {
				health.RegisterHTTPRoutes(r, agg, readiness, orch.Health)
				if deps.journal != nil {
					p := detector.Policy()
					health.RegisterDetectionRoutes(r, deps.journal, p.Window, p.UnhealthyCount, nil)
				}
			},
		}
		if cfg.Metrics.Enable {
			opts.MetricsPath = cfg.Metrics.Path
			opts.Metrics = metrics.Handler(reg)
		}
		httpSrv = httpserver.New(cfg.HTTP, opts)
		go func() {
			if err := httpSrv.Start(); err != nil {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	// 7) 引导：账号状态探测
	if cfg.Probe.URL != "" {
		p := newProbe(cfg.Probe)
		if err := cl.Start(ctx, p.Call); err != nil {
			logger.Error("bootstrap failed", zap.Error(err))
			return err
		}
	} else {
		logger.Warn("probe.url not set, skipping account status probe")
	}
	readiness.SetBootstrapped(true)
	logger.Info("session ready", zap.String("device_id", store.Snapshot().DeviceID))

	// 8) 实时监听
	if transport != nil {
		stopListen, err := cl.Listen(ctx, appMetrics.WrapRealtime(eventLogger(logger.Named("realtime"))))
		if err != nil {
			logger.Error("realtime listen failed", zap.Error(err))
		} else {
			defer stopListen()
		}
	}

	// 9) 检测日志清理
	if deps.journal != nil {
		go purgeLoop(ctx, clock.Real(), deps.journal, cfg.Journal.PurgeInterval, logger.Named("journal"))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// infra 可选的外部依赖
type infra struct {
	redis   *redisstorage.Client
	journal *journal.Store
	closers []func() error
}

func openInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{}
	if cfg.Redis.Enabled {
		rc, err := redisstorage.NewClient(ctx, cfg.Redis, logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		in.redis = rc
		in.closers = append(in.closers, rc.Close)
	}
	if cfg.Journal.Enabled {
		db, err := journal.Open(ctx, cfg.Journal.DSN, cfg.Journal.MaxOpenConns, cfg.Journal.MaxIdleConns,
			cfg.Journal.ConnMaxLifetime, logger.Named("pgx"))
		if err != nil {
			in.Close()
			return nil, err
		}
		in.closers = append(in.closers, db.Close)
		st := journal.New(db, cfg.Journal.Retention)
		if err := st.EnsureSchema(ctx); err != nil {
			in.Close()
			return nil, err
		}
		in.journal = st
	}
	return in, nil
}

func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		_ = in.closers[i]()
	}
}

func identityBackend(cfg *config.Config, in *infra) identity.Backend {
	if cfg.Identity.Backend == "redis" {
		return identity.NewRedisBackend(in.redis, cfg.Identity.Path)
	}
	return identity.NewFileBackend(cfg.Identity.Path)
}

func sessionRegistry(cfg *config.Config, in *infra) session.Registry {
	if cfg.Registry.Backend == "redis" {
		return session.NewRedisRegistry(in.redis, "", cfg.Registry.TTL)
	}
	return session.NewMemoryRegistry()
}

func alertSink(cfg *config.Config, in *infra, logger *zap.Logger) *alert.Sink {
	wh := alert.NewWebhook(&http.Client{Timeout: cfg.Webhook.Timeout}, cfg.Webhook.URL,
		cfg.Webhook.APIKey, cfg.Webhook.Secret, clock.Real())
	var dedup *alert.Deduper
	if in.redis != nil {
		dedup = alert.NewDeduper(in.redis, logger.Named("alert"), cfg.Webhook.DedupTTL)
	}
	return alert.NewSink(wh, dedup, cfg.Webhook.MinConfidence, cfg.Anomaly.EscalationThreshold, logger.Named("alert"))
}

func realtimeTransport(cfg *config.Config, store *identity.Store, logger *zap.Logger) realtime.Transport {
	headers := func() http.Header {
		h := store.Snapshot().Metadata()
		if cfg.Probe.Cookie != "" {
			h.Set("Cookie", cfg.Probe.Cookie)
		}
		return h
	}
	if cfg.Realtime.Transport == "ws" {
		return realtime.NewWSTransport(cfg.Realtime.WSURL, headers, logger.Named("ws"))
	}
	return realtime.NewMQTTTransport(cfg.Realtime.MQTT, headers, logger.Named("mqtt"))
}

func eventLogger(logger *zap.Logger) realtime.Handler {
	return func(e realtime.Event) {
		switch e.Kind {
		case realtime.EventMessage:
			logger.Info("message received",
				zap.String("thread_id", e.Message.ThreadID),
				zap.String("sender_id", e.Message.SenderID))
		case realtime.EventError:
			logger.Warn("realtime error", zap.Error(e.Err))
		default:
			logger.Debug("realtime event", zap.String("kind", string(e.Kind)))
		}
	}
}

// preloadDetections 以检测日志中最近的记录预热健康窗口，使重启或多进程部署共享同一判断
func preloadDetections(ctx context.Context, st *journal.Store, d *anomaly.Detector, logger *zap.Logger) {
	p := d.Policy()
	events, err := st.Query(ctx, journal.Filter{Since: time.Now().Add(-p.Window), Limit: p.UnhealthyCount})
	if err != nil {
		logger.Warn("preload detections failed", zap.Error(err))
		return
	}
	times := make([]time.Time, 0, len(events))
	for _, e := range events {
		times = append(times, e.DetectedAt)
	}
	if n := d.Preload(times); n > 0 {
		logger.Info("detections preloaded from journal", zap.Int("count", n))
	}
}

func purgeLoop(ctx context.Context, clk clock.Clock, st *journal.Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			n, err := st.Purge(ctx, now)
			if err != nil {
				logger.Warn("purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged old detections", zap.Int64("rows", n))
			}
		}
	}
}
