package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"aisiem/config"
	"aisiem/internal/api"
	"aisiem/internal/correlation"
	"aisiem/internal/enrich"
	inputredis "aisiem/internal/input/redis"
	"aisiem/internal/logger"
	"aisiem/internal/metrics"
	"aisiem/internal/normalize"
	"aisiem/internal/output/eventclickhouse"
	"aisiem/internal/output/eventjson"
	"aisiem/internal/pipeline"
	"aisiem/internal/rules"
	"aisiem/internal/store"
	"aisiem/internal/store/redisstate"
	"aisiem/internal/store/sqlite"
	"aisiem/pkg/models"
)

// openStore opens the incident store selected by store.mode. The SQLite handle is
// returned separately so it can double as the normalized event sink.
func openStore(ctx context.Context, cfg *config.AISIEMConfig) (store.IncidentStore, *sqlite.Store, error) {
	switch cfg.Store.Mode {
	case "none":
		return nil, nil, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		s, err := redisstate.NewRedisStore(redisstate.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store mode: %s", cfg.Store.Mode)
	}
}

func newEnrichmentWriter(cfg *config.EnrichmentConfig) (enrich.Writer, error) {
	switch cfg.Mode {
	case "file":
		return enrich.NewFileWriter(cfg.File.Path)
	case "http":
		return enrich.NewHTTPWriter(enrich.HTTPConfig{
			URL:     cfg.HTTP.URL,
			Timeout: cfg.HTTP.Timeout,
			Headers: cfg.HTTP.Headers,
		})
	case "nats":
		return enrich.NewNATSWriter(cfg.NATS.URL, cfg.NATS.Subject)
	default:
		return nil, fmt.Errorf("unknown enrichment mode: %s", cfg.Mode)
	}
}

// sharedEventWriter writes events through the incident store without closing it.
type sharedEventWriter struct {
	*sqlite.Store
}

func (sharedEventWriter) Close() error { return nil }

func newEventWriter(cfg *config.EventOutputConfig, db *sqlite.Store) (pipeline.EventWriter, error) {
	switch cfg.Mode {
	case "none":
		return nil, nil
	case "file":
		return eventjson.NewWriter(cfg.File.Path)
	case "sqlite":
		if db == nil {
			return nil, errors.New("events.output.mode sqlite requires store.mode sqlite")
		}
		return sharedEventWriter{db}, nil
	case "clickhouse":
		return eventclickhouse.NewWriter(eventclickhouse.Config{
			URL:      cfg.ClickHouse.URL,
			Database: cfg.ClickHouse.Database,
			Table:    cfg.ClickHouse.Table,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Timeout:  cfg.ClickHouse.Timeout,
			Headers:  cfg.ClickHouse.Headers,
		})
	default:
		return nil, fmt.Errorf("unknown events output mode: %s", cfg.Mode)
	}
}

func newRuleEngine(cfg *config.RulesConfig) (rules.Engine, error) {
	var engines rules.MultiEngine
	if cfg.Enabled {
		sigma, stats, err := rules.NewSigmaEngine(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
			stats.Loaded, stats.SkippedComplex, stats.SkippedDatasource, stats.SkippedInvalid, stats.TotalFiles)
		engines = append(engines, sigma)
	}
	if cfg.SeverityThreshold > 0 {
		engines = append(engines, &rules.ThresholdEngine{MinSeverity: cfg.SeverityThreshold})
		logger.Infof("Severity threshold rule enabled: min_severity=%d", cfg.SeverityThreshold)
	}
	if cfg.Burst.Enabled {
		burst := rules.NewBurstEngine(rules.BurstConfig{
			Subtypes:  cfg.Burst.Subtypes,
			Window:    cfg.Burst.Window,
			Threshold: cfg.Burst.Threshold,
			Cooldown:  cfg.Burst.Cooldown,
		})
		engines = append(engines, burst)
		logger.Infof("Burst rule enabled: subtypes=%v window=%s threshold=%d", burst.Subtypes(), cfg.Burst.Window, cfg.Burst.Threshold)
	}
	if len(engines) == 0 {
		logger.Warnf("No detection rules configured, incidents will not be raised")
		return &rules.NoopEngine{}, nil
	}
	return engines, nil
}

func correlationConfig(cfg *config.CorrelationConfig) correlation.Config {
	return correlation.Config{
		CorrelationWindow: cfg.CorrelationWindow,
		InactivityClose:   cfg.InactivityClose,
		SweepInterval:     cfg.SweepInterval,
		DedupeTags:        cfg.DedupeTags,
		LockStripes:       cfg.LockStripes,
		MaxIDAttempts:     cfg.MaxIDAttempts,
		SeenDetections:    cfg.SeenDetections,
	}
}

// stage is a background goroutine that can be stopped and awaited on its own.
type stage struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

func startStage(name string, fn func(ctx context.Context) error) *stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stage{cancel: cancel}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("%s error: %v", name, err)
		}
	}()
	return s
}

func (s *stage) stop() {
	if s == nil {
		return
	}
	s.cancel()
	s.done.Wait()
}

func runService(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	cfg, configPath, err := loadConfig(configArg)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := initLogging(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if configPath == "" {
		logger.Warnf("No config file found, using defaults")
	} else {
		logger.Infof("Loaded config: %s", configPath)
	}
	c := &cfg.AISIEM

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	startCtx := context.Background()

	incidentStore, db, err := openStore(startCtx, c)
	if err != nil {
		logger.Errorf("Failed to open incident store: %v", err)
		log.Fatalf("Failed to open incident store: %v", err)
	}
	logger.Infof("Incident store mode: %s", c.Store.Mode)

	var notifier *enrich.AsyncNotifier
	if c.Enrichment.Enabled {
		w, err := newEnrichmentWriter(&c.Enrichment)
		if err != nil {
			logger.Errorf("Failed to create enrichment writer: %v", err)
			log.Fatalf("Failed to create enrichment writer: %v", err)
		}
		notifier = enrich.NewAsyncNotifier(w, c.Enrichment.QueueSize, m)
		logger.Infof("Enrichment mode: %s (queue=%d)", c.Enrichment.Mode, c.Enrichment.QueueSize)
	}

	opts := []correlation.Option{
		correlation.WithMetrics(m),
		correlation.WithOnError(func(id string, err error) {
			logger.Warnf("Incident %s not persisted yet: %v", id, err)
		}),
		correlation.WithOnClose(func(inc *models.Incident) {
			logger.Infof("Incident %s closed (%s) detections=%d severity=%d", inc.ID, inc.CloseReason, len(inc.Detections), inc.Severity)
		}),
	}
	if incidentStore != nil {
		opts = append(opts, correlation.WithStore(incidentStore))
	}
	if notifier != nil {
		opts = append(opts, correlation.WithNotifier(notifier))
	}
	engine := correlation.New(correlationConfig(&c.Correlation), opts...)

	if incidentStore != nil {
		open, err := incidentStore.ListIncidents(startCtx, models.StatusOpen, 0)
		if err != nil {
			logger.Errorf("Failed to load open incidents: %v", err)
			log.Fatalf("Failed to load open incidents: %v", err)
		}
		closed, err := incidentStore.ListIncidents(startCtx, models.StatusClosed, c.Correlation.SeenDetections)
		if err != nil {
			logger.Warnf("Failed to load closed incidents: %v", err)
		}
		restored := engine.Restore(append(open, closed...))
		logger.Infof("Restored %d open incident(s) from store (%d closed ids retired)", restored, len(closed))
	}

	ruleEngine, err := newRuleEngine(&c.Rules)
	if err != nil {
		logger.Errorf("Failed to load rules: %v", err)
		log.Fatalf("Failed to load rules: %v", err)
	}

	eventWriter, err := newEventWriter(&c.Events.Output, db)
	if err != nil {
		logger.Errorf("Failed to create event writer: %v", err)
		log.Fatalf("Failed to create event writer: %v", err)
	}
	logger.Infof("Event output mode: %s", c.Events.Output.Mode)

	consumer, err := inputredis.NewConsumer(inputredis.Config{
		Addr:         c.Input.Redis.Addr,
		Password:     c.Input.Redis.Password,
		DB:           c.Input.Redis.DB,
		Key:          c.Input.Redis.Key,
		BlockTimeout: c.Input.Redis.BlockTimeout,
	})
	if err != nil {
		logger.Errorf("Failed to create Redis consumer: %v", err)
		log.Fatalf("Failed to create Redis consumer: %v", err)
	}
	logger.Infof("Consuming raw records from redis %s key=%s", c.Input.Redis.Addr, c.Input.Redis.Key)

	pipe := pipeline.New(consumer, normalize.NewPipeline(), ruleEngine, engine, eventWriter, pipeline.Options{
		DefaultSource: c.Input.DefaultSource,
		Workers:       c.Pipeline.Workers,
		BatchSize:     c.Pipeline.BatchSize,
		FlushInterval: c.Pipeline.FlushInterval,
		SubmitRetries: c.Pipeline.SubmitRetries,
		Metrics:       m,
	})

	var notifyStage, apiStage *stage
	if notifier != nil {
		notifyStage = startStage("Enrichment", func(ctx context.Context) error {
			notifier.Run(ctx)
			return nil
		})
	}
	engineStage := startStage("Correlation engine", engine.Run)
	pipeStage := startStage("Pipeline", pipe.Run)
	if c.API.Enabled {
		srv := api.NewServer(engine, incidentStore, reg)
		apiStage = startStage("API", func(ctx context.Context) error {
			return srv.Serve(ctx, c.API.Addr)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")

	// Producers stop before consumers so the final flushes see every update.
	apiStage.stop()
	pipeStage.stop()
	if err := pipe.Close(); err != nil {
		logger.Errorf("Error closing pipeline: %v", err)
	}
	engineStage.stop()
	notifyStage.stop()
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Errorf("Error closing enrichment writer: %v", err)
		}
	}
	if incidentStore != nil {
		if err := incidentStore.Close(); err != nil {
			logger.Errorf("Error closing incident store: %v", err)
		}
	}

	logger.Infof("aisiem stopped")
}
