// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"

	"billing-service/internal/config"
	"billing-service/internal/db"
	planHandler "billing-service/internal/handlers/plan"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/cache"
	"billing-service/internal/repository/postgres"
	planService "billing-service/internal/service/plan"
	subscriptionService "billing-service/internal/service/subscription"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	pool        *pgxpool.Pool
	redisClient *redis.Client
	stopSweeper context.CancelFunc
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	ctx := context.Background()

	// ----- Logger -----
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.pool = pool

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       0,
		PoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s.redisClient = redisClient

	// ----- Repositories -----
	dbWrapper := postgres.NewDB(pool)
	planRepo := postgres.NewPlanRepository(pool)
	subscriptionRepo := postgres.NewSubscriptionRepository(dbWrapper)
	tenantSyncRepo := postgres.NewTenantSyncRepository(pool)

	// ----- Services -----
	planSvc := planService.NewPlanService(planRepo, cache.NewRedisCache(redisClient), s.cfg.PlanCacheTTL, logger)
	engineSvc := subscriptionService.NewService(
		subscriptionRepo,
		tenantSyncRepo,
		subscriptionService.Config{
			DefaultPlan:    s.cfg.DefaultPlan,
			TrialDuration:  s.cfg.TrialDuration,
			SweepBatchSize: s.cfg.ReconcileBatchSize,
		},
		logger,
	)

	// ----- Seed plan catalog -----
	if err := planSvc.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}

	// ----- Reconciliation sweeper -----
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	reconciler := subscriptionService.NewReconciler(engineSvc, s.cfg.ReconcileInterval, logger)
	go reconciler.Run(sweepCtx)

	// ----- Handlers -----
	handlers := &Handlers{
		SubscriptionHandler: subscriptionHandler.NewSubscriptionHandler(engineSvc),
		PlanHandler:         planHandler.NewPlanHandler(planSvc),
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	SetupRouter(s.engine, handlers)

	// ----- Start HTTP -----
	log.Printf("server running on %s", s.cfg.HTTPAddr)
	return s.engine.Run(s.cfg.HTTPAddr)
}

// Stop cancels the background sweeper and releases connections.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}
