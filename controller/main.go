package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/munbon/awd-control/controller/clock"
	"github.com/munbon/awd-control/controller/decision"
	"github.com/munbon/awd-control/controller/events"
	"github.com/munbon/awd-control/controller/fieldconfig"
	"github.com/munbon/awd-control/controller/gates"
	"github.com/munbon/awd-control/controller/irrigation"
	"github.com/munbon/awd-control/controller/learning"
	"github.com/munbon/awd-control/controller/schedule"
	"github.com/munbon/awd-control/controller/sensors"
	"github.com/munbon/awd-control/controller/store"
)

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	var log *zap.Logger
	var err error
	if os.Getenv("AWD_DEBUG") == "true" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync() // nolint:errcheck // no check required on program exit

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store: Postgres when configured, memory otherwise.
	var db store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatal("failed to connect to Postgres", zap.Error(err))
		}
		db = pg
		log.Info("connected to Postgres")
	} else {
		db = store.NewMemoryStore()
		log.Warn("DATABASE_URL not set; using in-memory store")
	}
	defer db.Close()

	// Redis backs the hot cache and the event broker.
	var cache *store.Cache
	redisAddr := env("REDIS_ADDR", "localhost:6379")
	cache, err = store.NewCache(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Warn("Redis unavailable; running without cache and broker", zap.String("addr", redisAddr), zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
		log.Info("connected to Redis", zap.String("addr", redisAddr))
	}

	hub := NewEventHub(log)
	sinks := []events.Publisher{hub}
	if cache != nil {
		sinks = append(sinks, events.NewRedisPublisher(cache.Client()))
	} else {
		sinks = append(sinks, events.NewLogPublisher(log))
	}
	pub := events.NewMulti(sinks...)
	defer pub.Close()

	clk := clock.Real()
	catalog := schedule.NewCatalog()

	var configCache fieldconfig.Cache
	var rainfallCache sensors.RainfallCache
	var idemStore gates.IdempotencyStore
	var statusCache irrigation.StatusCache
	var predictionCache learning.PredictionCache
	if cache != nil {
		configCache = cache
		rainfallCache = cache
		idemStore = cache
		statusCache = cache
		predictionCache = cache
	}

	configs := fieldconfig.New(db, configCache, catalog, pub, clk, log)

	var weather sensors.WeatherProvider
	if base := os.Getenv("WEATHER_BASE_URL"); base != "" {
		weather = sensors.NewHTTPWeatherProvider(base)
	}
	gateway := sensors.NewGateway(db, rainfallCache, weather, nil, clk, log)

	hydraulic := gates.NewHydraulicClient(os.Getenv("HYDRAULIC_BASE_URL"), os.Getenv("HYDRAULIC_TOKEN"), log)
	actuator := gates.NewActuator(db, idemStore, pub, hydraulic, os.Getenv("SCADA_BASE_URL"), clk, log)

	cmdMonitor := gates.NewCommandMonitor(db, actuator, pub, log)
	cmdMonitor.Start(ctx)

	learner := learning.New(db, predictionCache, clk, log)

	registry := irrigation.NewRegistry()
	runner := irrigation.NewRunner(db, statusCache, actuator, gateway, pub, learner, registry, clk, log)

	engine := decision.NewEngine(configs, catalog, gateway, runner, learner, pub, clk, log)

	api := NewAPI(configs, engine, runner, learner, hub, log)

	addr := env("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("AWD controller listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown requested")

	// Stop every active run first: each stop blocks until its gate
	// close is acknowledged or times out.
	runner.StopAll(context.Background(), irrigation.ReasonShutdown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", zap.Error(err))
	}
	cancel()
	log.Info("shutdown complete")
}
