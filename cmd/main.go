package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	API "canary-conductor/internal/app/api"
	Backend "canary-conductor/internal/app/backend"
	"canary-conductor/internal/app/config"
	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
	Health "canary-conductor/internal/app/health"
	Metrics "canary-conductor/internal/app/metrics"
	Rollout "canary-conductor/internal/app/rollout"
	Store "canary-conductor/internal/app/store"
	Traffic "canary-conductor/internal/app/traffic"
	CloudRun "canary-conductor/internal/pkg/cloudrun"
)

var cfg *config.Config

func main() {
	ctx := context.Background()

	var trafficBackend Backend.Traffic
	switch cfg.Backend.Type {
	case "agent":
		trafficBackend = Backend.NewHTTPAgent(cfg.Backend.AgentURL)
	case "cloudrun":
		cr, err := CloudRun.New(ctx, cfg.Backend.ProjectID, cfg.Backend.Location, cfg.Backend.Service)
		if err != nil {
			log.Fatalf("Failed to initialize Cloud Run client: %v", err)
		}
		defer cr.Close()
		trafficBackend = cr
	case "static":
		log.Warn("using the static traffic backend; weight changes are not applied anywhere")
		trafficBackend = Backend.NewStatic()
	default:
		log.Fatalf("Unknown backend type: %s", cfg.Backend.Type)
	}

	flagStore, experimentStore := buildStores(ctx)

	promBackend, err := Health.NewPrometheusBackend(cfg.Prometheus.Address)
	if err != nil {
		log.Fatalf("Failed to initialize Prometheus backend: %v", err)
	}
	healthSource := Health.NewComposite(promBackend, trafficBackend, cfg.Prometheus.MinSamples)

	m := Metrics.New()
	ring := Event.NewRing(512)
	sink := Event.NewFanOut(Event.LogSink{}, ring)

	controller := Traffic.New(Deployment.NewMemoryStore(), trafficBackend, sink, m)
	orchestrator := Rollout.New(controller, healthSource, sink, m)

	if cfg.FlagsPath != "" {
		seedFlags(ctx, flagStore, cfg.FlagsPath)
	}

	server := &API.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port),
		Traffic:     controller,
		Rollout:     orchestrator,
		Assigner:    Flags.NewAssigner(flagStore),
		FlagStore:   flagStore,
		Experiments: Experiment.New(experimentStore),
		Events:      ring,
		Metrics:     m,
	}

	shutdownChan := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		close(shutdownChan)
	}()
	server.Run(shutdownChan)
}

func buildStores(ctx context.Context) (Flags.Store, Experiment.Store) {
	switch cfg.Store.Type {
	case "redis":
		client, err := Store.NewRedisClient(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		return Store.NewRedisFlagStore(client), Store.NewRedisExperimentStore(client)
	case "postgres":
		pool, err := Store.NewPostgresPool(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		return Store.NewPostgresFlagStore(pool), Store.NewPostgresExperimentStore(pool)
	case "memory", "":
		log.Warn("using in-memory stores; flags and experiments will not survive a restart")
		return Store.NewMemoryFlagStore(), Store.NewMemoryExperimentStore()
	default:
		log.Fatalf("Unknown store type: %s", cfg.Store.Type)
		return nil, nil
	}
}

func seedFlags(ctx context.Context, store Flags.Store, path string) {
	loaded, err := Flags.LoadFile(path)
	if err != nil {
		log.Fatalf("Failed to load flags from %s: %v", path, err)
	}
	for i := range loaded {
		if err := store.PutFlag(ctx, &loaded[i]); err != nil {
			log.Fatalf("Failed to seed flag '%s': %v", loaded[i].Name, err)
		}
	}
	log.Infof("seeded %d flags from %s", len(loaded), path)
}

func init() {
	var err error
	cfg, err = config.LoadConfig("config/config.yml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config.InitLogger(cfg.LogLevel)
}
