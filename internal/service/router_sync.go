// router_sync.go — сверка локального зеркала PPP secrets с роутерами.
//
// Зеркало — кэш последнего известного состояния устройства. SyncOne
// читает список secrets роутера и приводит к нему зеркало: найденные
// на устройстве логины становятся synced, отсутствующие — inactive.
// SyncAll обходит все активные роутеры (до 5 одновременно). Запускается
// по расписанию и по запросу оператора.
//
// Prometheus-метрики:
//   - netsync_module_router_sync_duration_seconds — длительность сверки роутера
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/mtclient"
	"github.com/bigkaa/netsync/internal/repository"
)

var routerSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "netsync_module_router_sync_duration_seconds",
	Help:    "Длительность сверки зеркала PPP secrets с роутером",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 0.05s … ~25s
}, []string{"result"}) // result: ok, error

// RouterSyncService — сверка зеркала с роутерами.
type RouterSyncService struct {
	client  *mtclient.Client
	routers repository.RouterRepository
	mirror  repository.PPPoEMirrorRepository
	logger  *slog.Logger
}

// NewRouterSyncService создаёт сервис сверки зеркала.
func NewRouterSyncService(
	client *mtclient.Client,
	routers repository.RouterRepository,
	mirror repository.PPPoEMirrorRepository,
	logger *slog.Logger,
) *RouterSyncService {
	return &RouterSyncService{
		client:  client,
		routers: routers,
		mirror:  mirror,
		logger:  logger.With(slog.String("component", "router_sync")),
	}
}

// SyncAll сверяет зеркало всех активных роутеров.
// Ошибки отдельных роутеров логируются и не прерывают обход.
func (s *RouterSyncService) SyncAll(ctx context.Context) ([]*model.RouterSyncResult, error) {
	routers, err := s.routers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка роутеров для сверки: %w", err)
	}
	if len(routers) == 0 {
		s.logger.Info("Нет активных роутеров для сверки")
		return nil, nil
	}

	const maxConcurrency = 5
	sem := make(chan struct{}, maxConcurrency)

	var mu sync.Mutex
	var results []*model.RouterSyncResult

	var wg sync.WaitGroup
	for _, rt := range routers {
		wg.Add(1)
		go func(rt *model.Router) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := s.SyncOne(ctx, rt)
			if err != nil {
				s.logger.Warn("Ошибка сверки роутера",
					slog.Int64("router_id", rt.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(rt)
	}
	wg.Wait()

	s.logger.Info("Сверка зеркала с роутерами завершена",
		slog.Int("routers", len(routers)),
		slog.Int("succeeded", len(results)),
	)
	return results, nil
}

// SyncOne сверяет зеркало одного роутера со списком secrets устройства.
func (s *RouterSyncService) SyncOne(ctx context.Context, router *model.Router) (*model.RouterSyncResult, error) {
	if !router.IsActive() {
		return nil, ErrRouterInactive
	}
	result := &model.RouterSyncResult{RouterID: router.ID, StartedAt: time.Now().UTC()}

	secrets, err := s.client.ListSecrets(ctx, target(router))
	if err != nil {
		routerSyncDuration.WithLabelValues("error").Observe(time.Since(result.StartedAt).Seconds())
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, safeDeviceError(err))
	}

	present := make([]model.PPPoEUser, 0, len(secrets))
	for _, sec := range secrets {
		if sec.Username == "" {
			continue
		}
		service := sec.Service
		if service == "" {
			service = pppService
		}
		present = append(present, model.PPPoEUser{Username: sec.Username, Profile: sec.Profile, Service: service})
	}

	result.Synced, result.Deactivated, err = s.mirror.Reconcile(ctx, router.ID, present)
	if err != nil {
		routerSyncDuration.WithLabelValues("error").Observe(time.Since(result.StartedAt).Seconds())
		return nil, fmt.Errorf("сверка зеркала роутера %d: %w", router.ID, err)
	}
	if err := s.routers.Touch(ctx, router.ID); err != nil {
		s.logger.Warn("Ошибка обновления last_seen_at",
			slog.Int64("router_id", router.ID),
			slog.String("error", err.Error()),
		)
	}

	result.CompletedAt = time.Now().UTC()
	routerSyncDuration.WithLabelValues("ok").Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())

	s.logger.Info("Зеркало роутера сверено",
		slog.Int64("router_id", router.ID),
		slog.Int64("synced", result.Synced),
		slog.Int64("deactivated", result.Deactivated),
	)
	return result, nil
}
