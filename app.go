package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/adapters/vocabulary/mssql"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/config"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/logging"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/metrics"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

// app holds the process-wide connections and services shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *database.DB
	redis   *redis.Client
	metrics *metrics.Metrics

	tracker    services.JobTracker
	generation services.RuleGenerationService
	exports    services.RuleExportService
	builds     services.ConceptBuildService
	concepts   services.ConceptResolver

	closers []func()
}

// newLogger loads the configuration and builds the process logger.
func newLogger(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(configPath, Version)
	if err != nil {
		return nil, nil, err
	}
	cfg.ResolveDockerHosts()

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// connect opens the engine database only. Used by the migrate command.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %s",
			logging.SanitizeConnectionString(cfg.Database.ConnectionString()), logging.SanitizeError(err))
	}
	logger.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database))
	return db, nil
}

// newApp connects every backing store and wires the rule generation services.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	if redisClient != nil {
		a.redis = redisClient
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	} else {
		logger.Info("Redis not configured, scope locks are process-local")
	}

	vocab, err := a.openVocabulary(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics, err = metrics.New()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tracker = services.NewJobTracker(repositories.NewJobRepository(), logger)
	scanReports := repositories.NewScanReportRepository()
	associations := repositories.NewConceptAssociationRepository()
	rules := repositories.NewMappingRuleRepository()
	// Generation and dictionary builds on one scope exclude each other.
	locker := services.NewScopeLocker(a.redis, cfg.Generation.LockTTL, logger)

	a.generation, err = services.NewRuleGenerationService(services.RuleGenerationDeps{
		ScanReports:  scanReports,
		Associations: associations,
		Rules:        rules,
		Vocabulary:   vocab,
		Tracker:      a.tracker,
		Locker:       locker,
		ScopeContext: db.ScopeContext,
		Metrics:      a.metrics.RuleGeneration,
		Config:       cfg.Generation,
		CacheTTL:     cfg.Vocabulary.CacheTTL,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.exports = services.NewTrackedRuleExportService(services.NewRuleExportService(rules, nil, logger), a.tracker, logger)

	a.builds, err = services.NewConceptBuildService(services.ConceptBuildDeps{
		ScanReports:  scanReports,
		Associations: associations,
		Vocabulary:   vocab,
		Tracker:      a.tracker,
		Locker:       locker,
		ScopeContext: db.ScopeContext,
		CacheTTL:     cfg.Vocabulary.CacheTTL,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.concepts = services.NewConceptResolver(vocab, services.ConceptResolverConfig{CacheTTL: cfg.Vocabulary.CacheTTL}, logger)

	return a, nil
}

func (a *app) openVocabulary(ctx context.Context) (repositories.VocabularyRepository, error) {
	switch a.cfg.Vocabulary.Type {
	case "mssql":
		store, err := mssql.NewStore(ctx, &a.cfg.Vocabulary, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.logger.Info("Using SQL Server vocabulary",
			zap.String("host", a.cfg.Vocabulary.Host),
			zap.String("database", a.cfg.Vocabulary.Database))
		return store, nil
	default:
		vocab, err := repositories.NewVocabularyRepository(a.db.Pool, a.cfg.Vocabulary.Schema)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Using PostgreSQL vocabulary", zap.String("schema", a.cfg.Vocabulary.Schema))
		return vocab, nil
	}
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
