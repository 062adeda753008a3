// README: Entry point; loads config, wires stores and services, runs the HTTP server and chat loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"rideshare/internal/config"
	httptransport "rideshare/internal/http"
	"rideshare/internal/infra"
	"rideshare/internal/logging"
	"rideshare/internal/maps"
	"rideshare/internal/modules/chat"
	"rideshare/internal/modules/ride"
	"rideshare/internal/modules/sos"
	"rideshare/internal/modules/user"
)

func main() {
	configFile := pflag.String("config", "", "YAML config file (overrides RIDESHARE_CONFIG_FILE)")
	pflag.Parse()
	if *configFile != "" {
		_ = os.Setenv("RIDESHARE_CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("rideshare-api stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	rides ride.Store
	users user.Store
	chat  chat.Store
	sos   sos.Store
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory stores; data is lost on restart")
		return stores{
			rides: ride.NewMemoryStore(),
			users: user.NewMemoryStore(),
			chat:  chat.NewMemoryStore(),
			sos:   sos.NewMemoryStore(),
		}, func() {}, nil
	}
	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, nil, err
	}
	if cfg.DB.Migrate {
		if err := infra.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, nil, err
		}
		log.Info("schema migrated")
	}
	return pgStores(pool), pool.Close, nil
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		rides: ride.NewPgStore(pool),
		users: user.NewPgStore(pool),
		chat:  chat.NewPgStore(pool),
		sos:   sos.NewPgStore(pool),
	}
}

func newVerifier(ctx context.Context, cfg config.Config, jwt *infra.JWTAuth) (infra.TokenVerifier, error) {
	if cfg.Firebase.ProjectID == "" {
		return jwt, nil
	}
	v, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("firebase init: %w", err)
	}
	return v, nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	st, closeDB, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = infra.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	jwt := infra.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	verifier, err := newVerifier(ctx, cfg, jwt)
	if err != nil {
		return err
	}

	mapsOpts := maps.Options{APIKey: cfg.Maps.APIKey, Language: cfg.Maps.Language, Region: cfg.Maps.Region}
	var routes ride.RouteEstimator
	var places *maps.PlacesService
	if cfg.Maps.APIKey != "" {
		if cfg.Ride.RouteEstimation {
			rs, err := maps.NewRouteService(mapsOpts)
			if err != nil {
				return err
			}
			routes = rs
		}
		if places, err = maps.NewPlacesService(mapsOpts); err != nil {
			return err
		}
	}

	var attempts ride.AttemptLimiter
	if rdb != nil {
		attempts = ride.NewRedisAttemptLimiter(rdb, cfg.Ride.OTPMaxAttempts, cfg.Ride.OTPTTL)
	} else {
		attempts = ride.NewMemoryAttemptLimiter(cfg.Ride.OTPMaxAttempts, cfg.Ride.OTPTTL)
	}

	// The hub needs the ride service for membership and the ride service needs
	// the hub (or broker) as an event sink; sinks are resolved at publish time.
	var (
		hub    *chat.Hub
		broker *chat.RedisBroker
	)
	sinks := ride.MultiSink{ride.SinkFunc(func(ctx context.Context, events []ride.Event) {
		if broker != nil {
			broker.Publish(ctx, events)
			return
		}
		hub.Publish(ctx, events)
	})}
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := infra.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		sinks = append(sinks, ride.NewBrokerSink(rabbit, log))
	}

	rides := ride.NewService(st.rides, ride.Options{
		Currency:      cfg.Ride.Currency,
		OTPLength:     cfg.Ride.OTPLength,
		OTPTTL:        cfg.Ride.OTPTTL,
		LockTimeout:   cfg.Ride.LockTimeout,
		StoreTimeout:  cfg.Ride.StoreTimeout,
		CommitRetries: cfg.Ride.CommitRetries,
		SearchLimit:   cfg.Ride.SearchLimit,
		Logger:        log,
		Routes:        routes,
		Attempts:      attempts,
		Events:        sinks,
	})

	hub = chat.NewHub(rides, chat.HubOptions{
		SweepInterval:  cfg.Chat.SweepInterval,
		MessagesPerSec: cfg.Chat.MessagesPerSec,
		Burst:          cfg.Chat.Burst,
		Logger:         log,
	})
	var fanout chat.Fanout = hub
	if rdb != nil {
		broker = chat.NewRedisBroker(rdb, cfg.Chat.RedisChannel, hub, log)
		fanout = broker
	}
	gate := chat.NewGate(rides, st.chat, fanout, chat.GateOptions{
		MaxMessageLen: cfg.Chat.MaxMessageLen,
		HistoryLimit:  cfg.Chat.HistoryLimit,
		Logger:        log,
	})

	var alerts sos.AlertPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		w := infra.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.SOSTopic)
		defer w.Close()
		alerts = sos.NewKafkaPublisher(w)
	}
	sosSvc := sos.NewService(st.sos, alerts, sos.Options{
		MaxContacts:    cfg.SOS.MaxContacts,
		DefaultMessage: cfg.SOS.DefaultMessage,
		Logger:         log,
	})

	users := user.NewService(st.users, jwt, user.Options{ResetTTL: cfg.Auth.ResetTTL, Logger: log})

	deps := httptransport.RouterDeps{
		Rides:       rides,
		Users:       users,
		SOS:         sosSvc,
		Gate:        gate,
		Hub:         hub,
		Verifier:    verifier,
		Logger:      log,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	}
	if places != nil {
		deps.Places = places
	}
	server := httptransport.NewServer(httptransport.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, httptransport.NewRouter(deps), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if broker != nil {
		g.Go(func() error { return broker.Run(gctx) })
	}
	log.Info("rideshare-api started", "store", cfg.Store, "redis", rdb != nil, "maps", cfg.Maps.APIKey != "")
	return g.Wait()
}
