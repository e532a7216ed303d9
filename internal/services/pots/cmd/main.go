package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/smartpots/internal/metrics"
	"github.com/LeonardoBeccarini/smartpots/internal/services/advisory"
	"github.com/LeonardoBeccarini/smartpots/internal/services/device"
	"github.com/LeonardoBeccarini/smartpots/internal/services/ledger"
	"github.com/LeonardoBeccarini/smartpots/internal/services/pots"
	"github.com/LeonardoBeccarini/smartpots/internal/services/telemetry"
	"github.com/LeonardoBeccarini/smartpots/internal/storage"
	"github.com/LeonardoBeccarini/smartpots/internal/topics"
	"github.com/LeonardoBeccarini/smartpots/pkg/dedup"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
)

type config struct {
	Rabbit rabbitmq.RabbitMQConfig

	DBPath string

	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string
	FlushInterval time.Duration

	HTTPListen string
	GRPCListen string

	Advisory        advisory.Config
	SunnyLightLevel float64
	OrphanWindow    time.Duration
	AskedGrace      time.Duration
}

func configured() *config {
	cfg := &config{}

	host := lflag.String("mqtt-host", "localhost", "MQTT broker host")
	port := lflag.String("mqtt-port", "1883", "MQTT broker port")
	user := lflag.String("mqtt-user", "", "MQTT username")
	pass := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "smartpots-server", "MQTT client id, must be unique on the broker")

	dbPath := lflag.String("db-path", "data/smartpots.db", "SQLite database file")

	influxURL := lflag.String("influx-url", "", "InfluxDB URL; telemetry storage is disabled when empty")
	influxToken := lflag.String("influx-token", "", "InfluxDB token")
	influxOrg := lflag.String("influx-org", "smartpots", "InfluxDB organisation")
	influxBucket := lflag.String("influx-bucket", "pots", "InfluxDB bucket")
	flush := lflag.Duration("influx-flush-interval", 500*time.Millisecond, "InfluxDB batch flush interval")

	httpListen := lflag.String("http-listen", ":8080", "HTTP listen address")
	grpcListen := lflag.String("grpc-listen", ":50051", "gRPC health listen address")

	timezone := lflag.String("timezone", "Local", "IANA zone used for the peak-hours rule")
	queryTimeout := lflag.Duration("light-query-timeout", 5*time.Second, "how long to wait for a pot's light reading")
	sunny := lflag.String("sunny-light-level", strconv.Itoa(device.DefaultSunnyLightLevel), "light reading at or above which a pot counts as sunny")
	breakerOpen := lflag.Duration("light-breaker-open", time.Minute, "how long a pot's light query breaker stays open")
	orphanWindow := lflag.Duration("orphan-window", ledger.DefaultOrphanWindow, "how long after a session closes a volume report still attaches to it")
	askedGrace := lflag.Duration("asked-grace", pots.DefaultAskedGrace, "how long a user advised against watering is not asked again")

	lflag.Do(func() {
		p, err := strconv.Atoi(*port)
		if err != nil {
			panic(fmt.Errorf("invalid mqtt-port %q: %w", *port, err))
		}
		level, err := strconv.ParseFloat(*sunny, 64)
		if err != nil {
			panic(fmt.Errorf("invalid sunny-light-level %q: %w", *sunny, err))
		}
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Errorf("invalid timezone %q: %w", *timezone, err))
		}

		cfg.Rabbit = rabbitmq.RabbitMQConfig{
			Host:           *host,
			Port:           p,
			User:           *user,
			Password:       *pass,
			ClientID:       *clientID,
			ConnectTimeout: 10 * time.Second,
		}
		cfg.DBPath = *dbPath
		cfg.InfluxURL = *influxURL
		cfg.InfluxToken = *influxToken
		cfg.InfluxOrg = *influxOrg
		cfg.InfluxBucket = *influxBucket
		cfg.FlushInterval = *flush
		cfg.HTTPListen = *httpListen
		cfg.GRPCListen = *grpcListen

		cfg.Advisory = advisory.DefaultConfig()
		cfg.Advisory.Location = loc
		cfg.Advisory.QueryTimeout = *queryTimeout
		cfg.Advisory.BreakerOpen = *breakerOpen
		cfg.SunnyLightLevel = level
		cfg.OrphanWindow = *orphanWindow
		cfg.AskedGrace = *askedGrace
	})
	return cfg
}

func main() {
	cfg := configured()
	lflag.Configure()

	var level slog.Level
	// lflag sets llog's level; mirror it on slog
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

func run(ctx context.Context, cfg *config) error {
	// === SQLite ===
	db, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	store := storage.New(db)
	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).Error("failed to close database", "error", err)
		}
	}()

	// === Metrics ===
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// === gRPC health, follows the broker connection ===
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cfg.Rabbit.OnConnect = func(mqtt.Client) {
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	cfg.Rabbit.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Ctx(ctx).Warn("MQTT connection lost", "error", err)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	// === MQTT ===
	client, err := rabbitmq.NewRabbitMQConn(&cfg.Rabbit, ctx)
	if err != nil {
		return err
	}
	defer rabbitmq.CloseRabbitMQConn(client)
	pub := rabbitmq.NewPublisher(client)

	waiter := device.NewWaiter(pub, m)
	waiter.SunnyLightLevel = cfg.SunnyLightLevel
	dispatcher := device.NewDispatcher(pub, m)

	led := ledger.New(store, m)
	led.OrphanWindow = cfg.OrphanWindow

	evaluator := advisory.NewEvaluator(waiter, store, cfg.Advisory)

	// === InfluxDB (optional) ===
	var (
		sink     telemetry.Sink
		writer   *telemetry.Writer
		recentH  http.Handler
		influxDB influxdb2.Client
	)
	if cfg.InfluxURL != "" {
		opts := influxdb2.DefaultOptions().SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
		influxDB = influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
		writeAPI := influxDB.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
		writer = telemetry.NewWriter(writeAPI)
		sink = writer
		recentH = telemetry.NewRecentHandler(telemetry.NewReader(influxDB.QueryAPI(cfg.InfluxOrg), cfg.InfluxBucket))
		defer func() {
			writeAPI.Flush()
			influxDB.Close()
		}()
	} else {
		log.Ctx(ctx).Info("influx-url not set, telemetry storage disabled")
	}

	// === Telemetry consumer ===
	router := telemetry.NewRouter(dedup.New(dedup.DefaultTTL, 20000), waiter, led, sink, m)
	consumer := rabbitmq.NewConsumer(client, router.Handle, topics.TelemetryWildcard)
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- consumer.ConsumeMessage(ctx)
	}()

	// === HTTP ===
	sessions := scs.New()
	sessions.Store = sqlite3store.New(db)
	sessions.Lifetime = 12 * time.Hour
	sessions.Cookie.Name = "smartpots_session"

	srv := pots.NewServer(pots.NewService(store, led, dispatcher, evaluator), sessions)
	srv.AskedGrace = cfg.AskedGrace
	srv.Telemetry = recentH
	srv.Health = telemetry.NewHealthHandler(client, store, writer)
	srv.Ready = telemetry.NewReadyHandler(client, store, writer, 2*time.Second)
	srv.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	hs := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info("HTTP listening", "addr", cfg.HTTPListen)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// === gRPC ===
	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	go func() {
		log.Ctx(ctx).Info("gRPC health listening", "addr", cfg.GRPCListen)
		if err := gs.Serve(lis); err != nil {
			log.Ctx(ctx).Error("grpc server error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-consumeErr:
	case err = <-httpErr:
	}
	log.Ctx(ctx).Info("shutting down")

	healthSrv.Shutdown()
	gs.GracefulStop()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = hs.Shutdown(shCtx)
	return err
}
