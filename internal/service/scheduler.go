// scheduler.go — планировщик периодических сверок.
//
// Задания:
//   - router_sync — сверка зеркала PPPoE с секретами на роутерах
//     (NS_ROUTER_SYNC_SCHEDULE)
//   - radius_sweep — полная сверка FreeRADIUS со всеми абонентами всех
//     tenant (NS_RADIUS_SWEEP_SCHEDULE)
//
// Запуски одного задания не перекрываются: если прошлый запуск ещё идёт,
// очередной пропускается.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bigkaa/netsync/internal/config"
)

// Scheduler — cron-планировщик сверок.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler создаёт планировщик. Задания регистрируются через
// AddRouterSync и AddRadiusSweep до вызова Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddRouterSync регистрирует сверку зеркала роутеров.
func (s *Scheduler) AddRouterSync(spec string, svc *RouterSyncService) error {
	return s.add("router_sync", spec, func(ctx context.Context) error {
		results, err := svc.SyncAll(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("Сверка роутеров завершена", slog.Int("router_count", len(results)))
		return nil
	})
}

// AddRadiusSweep регистрирует полную сверку FreeRADIUS.
func (s *Scheduler) AddRadiusSweep(spec string, svc *RadiusService) error {
	return s.add("radius_sweep", spec, svc.SyncAllTenants)
}

func (s *Scheduler) add(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.logger.Info("Запуск задания", slog.String("job", name))
		if err := fn(s.ctx); err != nil {
			s.logger.Error("Ошибка задания",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("Задание выполнено",
			slog.String("job", name),
			slog.String("duration", time.Since(start).String()),
		)
	})
	if err != nil {
		return fmt.Errorf("регистрация задания %s: %w", name, err)
	}
	s.logger.Info("Задание зарегистрировано",
		slog.String("job", name),
		slog.String("schedule", spec),
	)
	return nil
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Планировщик запущен", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop отменяет текущие задания и ждёт их завершения.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Планировщик остановлен")
}
