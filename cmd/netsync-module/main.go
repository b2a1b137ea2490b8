// Точка входа NetSync Module — синхронизация сетевой идентичности абонентов
// ISP: пулы адресов, учётные данные FreeRADIUS и PPP secrets на роутерах.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// (основная БД и БД FreeRADIUS), создаёт сервисный слой и API handlers,
// запускает фоновые задачи (очередь повторов, cron-сверки, topologymetrics),
// HTTP-сервер с определением tenant и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/netsync/internal/api/handlers"
	"github.com/bigkaa/netsync/internal/api/middleware"
	"github.com/bigkaa/netsync/internal/config"
	"github.com/bigkaa/netsync/internal/database"
	"github.com/bigkaa/netsync/internal/mtclient"
	"github.com/bigkaa/netsync/internal/repository"
	"github.com/bigkaa/netsync/internal/server"
	"github.com/bigkaa/netsync/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("NetSync Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Bool("radius_db_separate", cfg.RadiusSeparate()),
	)

	if os.Getenv("NS_DEPHEALTH_GROUP") == "" {
		logger.Warn("NS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций (основная схема и схема FreeRADIUS)
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool). ctx отменяется по SIGINT/SIGTERM
	// и останавливает HTTP-сервер и фоновые задачи.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool, err := database.Connect(ctx, cfg.DB, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	radiusPool := pool
	if cfg.RadiusSeparate() {
		radiusPool, err = database.Connect(ctx, cfg.RadiusDB, logger)
		if err != nil {
			logger.Error("Ошибка подключения к БД FreeRADIUS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer radiusPool.Close()
	}

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()
	monitoredDBs := []service.DependencyDB{{Name: "postgresql", DB: pgDB, URL: cfg.DatabaseURL()}}
	if cfg.RadiusSeparate() {
		radiusDB := stdlib.OpenDBFromPool(radiusPool)
		defer radiusDB.Close()
		monitoredDBs = append(monitoredDBs, service.DependencyDB{Name: "radius-db", DB: radiusDB, URL: cfg.RadiusURL()})
	}

	// 5. Клиент API роутеров
	mtClient, err := mtclient.New(mtclient.Options{
		Scheme:     cfg.DeviceScheme,
		Timeout:    cfg.DeviceTimeout,
		CACertPath: cfg.DeviceCACertPath,
		RateLimit:  cfg.DeviceRateLimit,
		RateBurst:  cfg.DeviceRateBurst,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента роутеров", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Repositories
	poolRepo := repository.NewIPPoolRepository(pool)
	subnetRepo := repository.NewIPSubnetRepository(pool)
	allocRepo := repository.NewIPAllocationRepository(pool)
	radiusRepo := repository.NewRadiusRepository(radiusPool)
	routerRepo := repository.NewRouterRepository(pool)
	mirrorRepo := repository.NewPPPoEMirrorRepository(pool)
	userRepo := repository.NewNetworkUserRepository(pool)
	packageRepo := repository.NewPackageRepository(pool)
	jobRepo := repository.NewSyncJobRepository(pool)

	// 7. Services
	ipamSvc := service.NewIPAMService(poolRepo, subnetRepo, allocRepo, logger)
	radiusSvc := service.NewRadiusService(radiusRepo, userRepo, packageRepo, ipamSvc, logger)
	profiles := service.NewProfileCache(cfg.ProfileCacheSize, cfg.ProfileCacheTTL)
	provSvc := service.NewProvisioningService(mtClient, routerRepo, mirrorRepo, profiles, logger)
	routerSyncSvc := service.NewRouterSyncService(mtClient, routerRepo, mirrorRepo, logger)
	retry := service.NewRetryPolicy(cfg.RetryInitialBackoff, cfg.RetryMaxBackoff)
	orch := service.NewOrchestrator(userRepo, packageRepo, routerRepo, jobRepo,
		ipamSvc, radiusSvc, provSvc, retry, logger)
	worker := service.NewSyncWorker(jobRepo, orch, retry,
		cfg.RetryMaxAttempts, cfg.RetryBatchSize, cfg.RetryPollInterval, logger)

	// 8. Планировщик сверок
	scheduler := service.NewScheduler(logger)
	if err := scheduler.AddRouterSync(cfg.RouterSyncSchedule, routerSyncSvc); err != nil {
		logger.Error("Ошибка расписания сверки роутеров", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := scheduler.AddRadiusSweep(cfg.RadiusSweepSchedule, radiusSvc); err != nil {
		logger.Error("Ошибка расписания сверки FreeRADIUS", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Readiness checkers
	checkers := []handlers.NamedChecker{
		{Name: "postgresql", Checker: database.NewReadinessChecker(pool, "PostgreSQL")},
		{Name: "radius_db", Checker: database.NewReadinessChecker(radiusPool, "БД FreeRADIUS")},
	}
	if cfg.JWTJWKSURL != "" {
		checkers = append(checkers, handlers.NamedChecker{
			Name:    "idp",
			Checker: middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, 5*time.Second),
		})
	}
	healthHandler := handlers.NewHealthHandler(checkers...)

	// 10. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		ipamSvc,
		radiusSvc,
		provSvc,
		routerSyncSvc,
		orch,
		worker,
		logger,
	)

	// 11. Определение tenant (JWT или доверенный шлюз)
	tenantAuth, err := middleware.NewTenantAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, cfg.JWTTenantClaim, logger)
	if err != nil {
		logger.Error("Ошибка создания middleware tenant", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Определение tenant инициализировано",
		slog.Bool("trusted_gateway", tenantAuth.TrustedGateway()),
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("tenant_claim", cfg.JWTTenantClaim),
	)

	// 12. Запуск фоновых задач
	worker.Start(ctx)
	scheduler.Start()

	// 12.1 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"netsync-module",
		cfg.DephealthGroup,
		monitoredDBs,
		cfg.JWTJWKSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, tenantAuth)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	stop()
	scheduler.Stop()
	worker.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("NetSync Module остановлен")
}
