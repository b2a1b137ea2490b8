// sync_worker.go — фоновый обработчик очереди повторов sync_jobs.
//
// SyncWorker с периодом NS_RETRY_POLL_INTERVAL забирает созревшие задания
// (FOR UPDATE SKIP LOCKED, несколько реплик не пересекаются), повторяет
// событие через Orchestrator.Process и:
//   - все шаги сошлись — задание done
//   - иначе — перенос на следующую попытку с экспоненциальной задержкой
//   - попытки исчерпаны или событие невосстановимо — dead-letter
//
// Prometheus-метрики:
//   - netsync_module_sync_retries_total — повторы по итогу
//   - netsync_module_sync_dead_letter_total — задания, ушедшие в dead-letter
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

var (
	syncRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_module_sync_retries_total",
		Help: "Повторные попытки синхронизации из очереди",
	}, []string{"result"}) // result: done, rescheduled, superseded, dead

	syncDeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_module_sync_dead_letter_total",
		Help: "Задания синхронизации, перенесённые в dead-letter",
	})
)

// staleJobTimeout — через сколько задание в статусе running считается
// брошенным упавшей репликой и забирается снова.
const staleJobTimeout = 5 * time.Minute

// RetryPolicy — экспоненциальная задержка между попытками.
type RetryPolicy struct {
	initial time.Duration
	max     time.Duration
}

// NewRetryPolicy создаёт политику задержек.
func NewRetryPolicy(initial, max time.Duration) *RetryPolicy {
	return &RetryPolicy{initial: initial, max: max}
}

// Delay возвращает задержку перед попыткой номер attempt (с 1).
// Задержка растёт вдвое с джиттером 20% и ограничена сверху max.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// SyncWorker — фоновый обработчик очереди повторов.
type SyncWorker struct {
	jobs        repository.SyncJobRepository
	orch        *Orchestrator
	retry       *RetryPolicy
	maxAttempts int
	batchSize   int
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncWorker создаёт обработчик очереди повторов.
func NewSyncWorker(
	jobs repository.SyncJobRepository,
	orch *Orchestrator,
	retry *RetryPolicy,
	maxAttempts, batchSize int,
	interval time.Duration,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		jobs:        jobs,
		orch:        orch,
		retry:       retry,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		interval:    interval,
		logger:      logger.With(slog.String("component", "sync_worker")),
	}
}

// Start запускает фоновую горутину опроса очереди.
func (w *SyncWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Обработчик очереди повторов запущен",
			slog.String("interval", w.interval.String()),
			slog.Int("batch_size", w.batchSize),
			slog.Int("max_attempts", w.maxAttempts),
		)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Обработчик очереди повторов остановлен")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("Ошибка обработки очереди повторов", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (w *SyncWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// RunOnce забирает пачку созревших заданий и обрабатывает их.
// Возвращает число обработанных заданий.
func (w *SyncWorker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.jobs.ClaimDue(ctx, w.batchSize, staleJobTimeout)
	if err != nil {
		return 0, fmt.Errorf("получение заданий очереди: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := w.process(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return len(jobs), errors.Join(errs...)
}

func (w *SyncWorker) process(ctx context.Context, job *model.SyncJob) error {
	log := w.logger.With(
		slog.Int64("job_id", job.ID),
		slog.String("event_id", job.Event.ID.String()),
		slog.String("username", job.Event.Username),
		slog.Int("attempt", job.Attempts),
	)

	outcome, err := w.orch.Process(ctx, job.Event)
	if err == nil && outcome.Converged() {
		if err := w.jobs.MarkDone(ctx, job.ID); err != nil {
			return fmt.Errorf("завершение задания %d: %w", job.ID, err)
		}
		syncRetriesTotal.WithLabelValues("done").Inc()
		log.Info("Повторная синхронизация сошлась")
		return nil
	}

	var lastErr string
	permanent := false
	if err != nil {
		lastErr = err.Error()
		// Чужой или исчезнувший без снимка абонент не появится от повторов
		permanent = errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation)
	} else {
		lastErr = strings.Join(outcome.FailedSteps(), "; ")
	}

	if permanent || job.Attempts >= w.maxAttempts {
		if err := w.jobs.MarkDead(ctx, job.ID, lastErr); err != nil {
			return fmt.Errorf("перенос задания %d в dead-letter: %w", job.ID, err)
		}
		syncRetriesTotal.WithLabelValues("dead").Inc()
		syncDeadLetterTotal.Inc()
		log.Error("Задание синхронизации перенесено в dead-letter", slog.String("last_error", lastErr))
		return nil
	}

	delay := w.retry.Delay(job.Attempts + 1)
	superseded, err := w.jobs.Reschedule(ctx, job.ID, time.Now().Add(delay), lastErr)
	if err != nil {
		return fmt.Errorf("перенос задания %d: %w", job.ID, err)
	}
	if superseded {
		syncRetriesTotal.WithLabelValues("superseded").Inc()
		log.Info("Задание поглощено более новым событием абонента")
		return nil
	}
	syncRetriesTotal.WithLabelValues("rescheduled").Inc()
	log.Warn("Повторная синхронизация не сошлась, задание перенесено",
		slog.String("delay", delay.String()),
		slog.String("last_error", lastErr),
	)
	return nil
}

// ListDead возвращает задания tenant в dead-letter.
func (w *SyncWorker) ListDead(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error) {
	jobs, err := w.jobs.ListDead(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("получение dead-letter: %w", err)
	}
	return jobs, nil
}

// Requeue возвращает задание из dead-letter в очередь с обнулённым счётчиком.
func (w *SyncWorker) Requeue(ctx context.Context, tenantID, jobID int64) (*model.SyncJob, error) {
	job, err := w.jobs.Requeue(ctx, tenantID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("возврат задания в очередь: %w", err)
	}
	w.logger.Info("Задание возвращено из dead-letter",
		slog.Int64("job_id", job.ID),
		slog.Int64("tenant_id", tenantID),
	)
	return job, nil
}
