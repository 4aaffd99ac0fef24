package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/exchange/execution/internal/config"
	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/internal/governor"
	"github.com/exchange/execution/internal/metrics"
	"github.com/exchange/execution/internal/notify"
	"github.com/exchange/execution/internal/orchestrator"
	"github.com/exchange/execution/internal/reconciler"
	"github.com/exchange/execution/internal/server"
	"github.com/exchange/execution/internal/sweeper"
	"github.com/exchange/execution/internal/waiting"
	"github.com/exchange/execution/pkg/audit"
	"github.com/exchange/execution/pkg/health"
	"github.com/exchange/execution/pkg/logger"
	"github.com/exchange/execution/pkg/snowflake"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(cfg.LogLevel)
	lg := logger.New(cfg.ServiceName, nil)

	gen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 审计库可选，没有配置时落结构化日志
	var sink audit.Sink
	var dbSink *audit.DBSink
	if cfg.AuditDBEnabled {
		db, err := sql.Open("postgres", cfg.DSN())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer dbPingCancel()
		if err := db.PingContext(dbPingCtx); err != nil {
			log.Fatalf("Failed to ping database: %v", err)
		}
		log.Printf("Connected to PostgreSQL")

		dbSink, err = audit.NewDBSink(db)
		if err != nil {
			log.Fatalf("Failed to create audit sink: %v", err)
		}
		sink = dbSink
	} else {
		sink = audit.NewLogSink(lg.Component("audit"))
	}

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	publisher := notify.NewPublisher(redisClient, cfg.EventsChannel)
	metricsCollector := metrics.NewDefault()

	gov := governor.New(governor.Config{
		WeightBudget1m: cfg.WeightBudget1m,
		OrderBurst10s:  cfg.OrderBurst10s,
	})

	client := exchange.NewClient(exchange.ClientConfig{
		BaseURL:    cfg.ExchangeBaseURL,
		APIKey:     cfg.ExchangeAPIKey,
		APISecret:  cfg.ExchangeAPISecret,
		RecvWindow: cfg.RecvWindow,
		Timeout:    cfg.HTTPTimeout,
		Sanitizer: exchange.Sanitizer{
			Mode:     exchange.SanitizeMode(cfg.SanitizeMode),
			LongOnly: cfg.LongOnly,
		},
	}, gov, lg.Component("exchange"))

	filters := exchange.NewFilterCache(client.ExchangeInfo, cfg.FiltersTTL)

	rec := reconciler.New(reconciler.Config{
		StreamBaseURL: cfg.StreamBaseURL,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		OnReconnect:   metricsCollector.IncStreamReconnect,
	}, client, lg.Component("reconciler"), sink, publisher)

	exits := waiting.New(waiting.Config{
		ConfirmChecks: cfg.WaitingConfirmChecks,
	}, waiting.NewFileStore(cfg.WaitingStatePath), client, gen, lg.Component("waiting"), sink, publisher)
	exits.Load()

	swp := sweeper.New(sweeper.Config{
		MaxOrderAge:   cfg.MaxOrderAge,
		WatchdogDelay: cfg.WatchdogDelay,
	}, rec, client, exits, gov, lg.Component("sweeper"), sink, publisher, metricsCollector)

	orch := orchestrator.New(orchestrator.Config{
		SettleWait:  cfg.SettleWait,
		MaxInFlight: cfg.MaxInFlight,
		MaxLeverage: cfg.MaxLeverage,
		HedgeMode:   cfg.HedgeMode,
	}, client, filters, exits, gov, swp, gen, lg.Component("orchestrator"), sink, metricsCollector)

	// 推流读取循环
	var streamLoop health.LoopMonitor
	streamLoop.Tick()
	go func() {
		if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
			lg.WithError(err).Error("stream loop exited")
		}
	}()

	// 启动时核对延迟止盈登记与交易所实况
	go func() {
		revalidateCtx, revalidateCancel := context.WithTimeout(ctx, 30*time.Second)
		defer revalidateCancel()
		positions, err := client.Positions(revalidateCtx, "")
		if err != nil {
			lg.WithError(err).Warn("startup position fetch failed, waiting entries kept")
			return
		}
		openOrders, err := client.OpenOrders(revalidateCtx, "")
		if err != nil {
			lg.WithError(err).Warn("startup open-order fetch failed, waiting entries kept")
			return
		}
		exits.Revalidate(revalidateCtx, positions, openOrders)
	}()

	h := health.New()
	h.Register(health.NewLoopChecker("stream", &streamLoop, 2*time.Minute))

	// 周期任务
	c := cron.New()
	c.AddFunc("@every "+cfg.SweepInterval.String(), func() {
		swp.SweepOnce(ctx)
	})
	c.AddFunc("@every "+cfg.WaitingPassInterval.String(), func() {
		if gov.Snapshot().BackoffActive(time.Now()) {
			return
		}
		if rec.Ready(reconciler.KindPositions) {
			exits.RunPass(ctx, rec.Positions())
		}
	})
	c.AddFunc("@every "+cfg.ListenKeyKeepAlive.String(), func() {
		if err := rec.KeepAlive(ctx); err != nil {
			streamLoop.SetError(err)
		}
	})
	c.AddFunc("@every 1m", func() {
		gov.Prune()
	})
	c.AddFunc("@every 15s", func() {
		metricsCollector.ObserveGovernor(gov.Snapshot())
		metricsCollector.SetWaitingEntries(exits.Size())
		if rec.State() == reconciler.StateOpen {
			streamLoop.Tick()
		}
	})
	c.Start()

	srv := server.New(server.Config{
		InternalToken: cfg.InternalToken,
	}, orch, gov, rec, exits, h, metricsCollector.Handler(), lg.Component("server"))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv.Handler(),
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	h.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	h.SetReady(false)
	cancel()

	cronCtx := c.Stop()
	<-cronCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	if dbSink != nil {
		dbSink.Close()
	}
	log.Println("Shutdown complete")
}
