package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	_ "time/tzdata"

	"sacristy.org/internal/assignment"
	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/catalog"
	"sacristy.org/internal/clock"
	"sacristy.org/internal/config"
	"sacristy.org/internal/escalation"
	"sacristy.org/internal/httpapi"
	"sacristy.org/internal/lifecycle"
	"sacristy.org/internal/notify"
	"sacristy.org/internal/obs"
	"sacristy.org/internal/query"
	"sacristy.org/internal/store/pg"
	"sacristy.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	loc, _ := cfg.Location()

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.SLA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when a DSN is set, otherwise in-memory.
	var (
		store booking.Store
		ready httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgs, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgs.Close()
		store, ready = pgs, httpapi.ReadyProbe{DB: pgs.DB()}
	} else {
		obs.Warn("no database configured, using in-memory store", nil)
		store = booking.NewInMemory()
	}

	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			log.Fatalf("catalog: %v", err)
		}
	}

	issuer, err := auth.NewIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	dir := auth.NewDirectory(cfg.Secretaries, cfg.Fulfillers, cfg.Directors)

	hub := stream.New()
	sinks := []notify.Sink{notify.NewStreamSink(hub)}
	if cfg.HasSink(config.SinkLog) {
		sinks = append(sinks, notify.LogSink{})
	}
	if cfg.HasSink(config.SinkNATS) {
		nc, err := notify.ConnectNATS(cfg.NATSURL, 15*time.Second)
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		defer nc.Drain()
		js, err := nc.JetStream()
		if err != nil {
			log.Fatalf("jetstream: %v", err)
		}
		if err := notify.EnsureStream(js, cfg.NATSSubject); err != nil {
			log.Fatalf("jetstream stream: %v", err)
		}
		sinks = append(sinks, notify.NewNATSSink(notify.JetStreamPublisher{JS: js}, cfg.NATSSubject))
	}
	if cfg.HasSink(config.SinkAMQP) {
		amqpSink, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
	}
	notifier := notify.NewDispatcher(cfg.NotifyTimeout, sinks...)
	defer notifier.Close()

	clk := clock.Real()
	esc := escalation.NewEscalator(store, notifier, clk, cfg.SLA)
	sched := escalation.NewTimerScheduler(clk, esc.Fire)
	defer sched.Stop()

	engine := lifecycle.New(store, sched,
		lifecycle.WithClock(clk),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithCatalog(cat),
		lifecycle.WithSLA(cfg.SLA),
	)
	queries := query.New(store, cat, loc)

	weekly, err := escalation.ParseSchedule(cfg.WeeklyReport, loc)
	if err != nil {
		log.Fatalf("weekly report schedule: %v", err)
	}
	runner := escalation.NewRunner(clk)
	runner.Add(escalation.JobSweep, escalation.Every(cfg.SweepInterval), escalation.SweepJob(esc))
	runner.Add(escalation.JobWeekly, weekly, escalation.WeeklyReportJob(queries, notifier, clk))

	// Timers do not survive a restart; the startup sweep catches up on
	// assignments that went overdue while the process was down.
	if n, err := esc.Sweep(ctx); err != nil {
		obs.Error("startup sweep failed", err, nil)
	} else if n > 0 {
		obs.Info("startup sweep raised alerts", map[string]any{"alerts": n})
	}

	api := httpapi.New(httpapi.Deps{
		Lifecycle:     engine,
		Query:         queries,
		Assignment:    assignment.New(store, clk, loc),
		Catalog:       cat,
		Directory:     dir,
		Issuer:        issuer,
		BotSecret:     cfg.BotSecret,
		Stream:        hub,
		Ready:         ready,
		Clock:         clk,
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE streams stay open; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	health := httpapi.NewHealthServer(ready)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting sacristy-api", map[string]any{
		"version": version,
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"sinks":   cfg.NotifySinks,
	})

	runner.Start(ctx)
	defer runner.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		health.Run(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		obs.Error("server stopped", err, nil)
		os.Exit(1)
	}
	obs.Info("stopped", nil)
}
