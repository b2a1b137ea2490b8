// orchestrator.go — оркестратор синхронизации абонента по событиям биллинга.
//
// Каждое событие приводит три внешние системы к текущему состоянию абонента,
// шаги выполняются по порядку и независимо:
//  1. address — адрес из пула тарифа, если абоненту нужен выделенный IP;
//     адреса вне этого пула освобождаются, при отключении — все
//  2. radius — SyncUser
//  3. router — ProvisionUser с адресом шага 1 или DeprovisionUser (только pppoe)
//
// Отказ шага не откатывает предыдущие шаги. Если хотя бы один шаг не
// сошёлся, событие ставится в очередь повторов sync_jobs: повтор всего
// события идемпотентен и сводит системы независимо друг от друга.
//
// Prometheus-метрики:
//   - netsync_module_sync_events_total — обработанные события по типу и итогу
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

var syncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netsync_module_sync_events_total",
	Help: "Обработанные события жизненного цикла абонентов",
}, []string{"type", "result"}) // result: converged, queued, error

// Orchestrator — оркестратор синхронизации абонентов.
type Orchestrator struct {
	users    repository.NetworkUserRepository
	packages repository.PackageRepository
	routers  repository.RouterRepository
	jobs     repository.SyncJobRepository
	ipam     *IPAMService
	radius   *RadiusService
	prov     *ProvisioningService
	retry    *RetryPolicy
	logger   *slog.Logger
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(
	users repository.NetworkUserRepository,
	packages repository.PackageRepository,
	routers repository.RouterRepository,
	jobs repository.SyncJobRepository,
	ipam *IPAMService,
	radius *RadiusService,
	prov *ProvisioningService,
	retry *RetryPolicy,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		users:    users,
		packages: packages,
		routers:  routers,
		jobs:     jobs,
		ipam:     ipam,
		radius:   radius,
		prov:     prov,
		retry:    retry,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// HandleEvent синхронно обрабатывает событие. Несошедшийся итог
// ставится в очередь повторов (Queued == true).
func (o *Orchestrator) HandleEvent(ctx context.Context, ev model.LifecycleEvent) (*model.SyncOutcome, error) {
	ev, err := prepareEvent(ev)
	if err != nil {
		return nil, err
	}

	outcome, err := o.Process(ctx, ev)
	if err != nil {
		syncEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return nil, err
	}
	if outcome.Converged() {
		syncEventsTotal.WithLabelValues(string(ev.Type), "converged").Inc()
		return outcome, nil
	}

	// Логин — ключ слияния очереди и снимок на случай удаления абонента
	if ev.Username == "" {
		ev.Username = outcome.Username
	}
	lastErr := strings.Join(outcome.FailedSteps(), "; ")
	if _, err := o.jobs.Enqueue(ctx, ev, lastErr, time.Now().Add(o.retry.Delay(1))); err != nil {
		syncEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return outcome, fmt.Errorf("постановка в очередь повторов: %w", err)
	}
	outcome.Queued = true
	syncEventsTotal.WithLabelValues(string(ev.Type), "queued").Inc()

	o.logger.Warn("Синхронизация абонента не сошлась, событие в очереди повторов",
		slog.String("event_id", ev.ID.String()),
		slog.Int64("tenant_id", ev.TenantID),
		slog.String("username", outcome.Username),
		slog.String("failed", lastErr),
	)
	return outcome, nil
}

// Enqueue ставит событие в очередь без немедленной обработки.
func (o *Orchestrator) Enqueue(ctx context.Context, ev model.LifecycleEvent) (*model.SyncJob, error) {
	ev, err := prepareEvent(ev)
	if err != nil {
		return nil, err
	}
	if ev.Username == "" {
		// Ключ слияния очереди — логин; берём его из read-модели
		u, err := o.users.GetByID(ctx, ev.NetworkUserID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: для события нужен логин абонента", ErrValidation)
			}
			return nil, fmt.Errorf("получение абонента: %w", err)
		}
		if u.TenantID != ev.TenantID {
			return nil, ErrNotFound
		}
		ev.Username = u.Username
	}

	job, err := o.jobs.Enqueue(ctx, ev, "", time.Now())
	if err != nil {
		return nil, fmt.Errorf("постановка в очередь: %w", err)
	}
	syncEventsTotal.WithLabelValues(string(ev.Type), "queued").Inc()
	return job, nil
}

// Process выполняет шаги синхронизации события без постановки в очередь.
// Ошибка возвращается только если шаги не удалось начать: абонент чужого
// tenant или недоступна read-модель биллинга.
func (o *Orchestrator) Process(ctx context.Context, ev model.LifecycleEvent) (*model.SyncOutcome, error) {
	user, err := o.loadUser(ctx, ev)
	if err != nil {
		return nil, err
	}

	outcome := &model.SyncOutcome{EventID: ev.ID, Username: user.Username}
	active := user.IsActive()

	pkg, pkgErr := o.loadPackage(ctx, user)

	// 1. Адрес
	addrStep, addr := o.stepAddress(ctx, user, pkg, pkgErr, active)
	outcome.Steps = append(outcome.Steps, addrStep)

	// 2. FreeRADIUS
	outcome.Steps = append(outcome.Steps, o.stepRadius(ctx, user, pkg, pkgErr, addr, active))

	// 3. Роутер
	outcome.Steps = append(outcome.Steps, o.stepRouter(ctx, user, pkg, pkgErr, addr, active))

	o.logger.Info("Событие абонента обработано",
		slog.String("event_id", ev.ID.String()),
		slog.String("type", string(ev.Type)),
		slog.Int64("tenant_id", ev.TenantID),
		slog.String("username", user.Username),
		slog.Bool("converged", outcome.Converged()),
	)
	return outcome, nil
}

func (o *Orchestrator) stepAddress(ctx context.Context, user *model.NetworkUser, pkg *model.Package, pkgErr error, active bool) (model.StepOutcome, *netip.Addr) {
	step := model.StepOutcome{Step: model.StepAddress}

	if !active {
		n, err := o.ipam.ReleaseForUser(ctx, user.TenantID, user.Username)
		if err != nil {
			return stepFailed(step, "Не удалось освободить адреса абонента", err, o.logger), nil
		}
		step.Success = true
		step.Message = fmt.Sprintf("Освобождено адресов: %d", n)
		return step, nil
	}

	if pkgErr != nil {
		return stepFailed(step, "Тариф абонента недоступен", pkgErr, o.logger), nil
	}
	if !NeedsDedicatedIP(user, pkg) || pkg == nil || pkg.IPPoolID == nil {
		// Адрес от прежнего тарифа не должен оставаться за абонентом
		n, err := o.ipam.ReleaseForUser(ctx, user.TenantID, user.Username)
		if err != nil {
			return stepFailed(step, "Не удалось освободить адреса абонента", err, o.logger), nil
		}
		if NeedsDedicatedIP(user, pkg) {
			step.Message = "Для абонента со статическим адресом в тарифе не задан пул"
			return step, nil
		}
		step.Success = true
		step.Skipped = n == 0
		step.Message = "Выделенный адрес не требуется"
		if n > 0 {
			step.Message = fmt.Sprintf("Выделенный адрес не требуется, освобождено адресов: %d", n)
		}
		return step, nil
	}

	alloc, err := o.ipam.EnsureForUser(ctx, user, *pkg.IPPoolID)
	if err != nil {
		return stepFailed(step, "Не удалось выделить адрес", err, o.logger), nil
	}
	if alloc == nil {
		step.Message = "Пул адресов тарифа исчерпан"
		return step, nil
	}
	step.Success = true
	step.Message = "Адрес " + alloc.IPAddress.String()
	addr := alloc.IPAddress
	return step, &addr
}

func (o *Orchestrator) stepRadius(ctx context.Context, user *model.NetworkUser, pkg *model.Package, pkgErr error, addr *netip.Addr, active bool) model.StepOutcome {
	step := model.StepOutcome{Step: model.StepRadius}
	if active && pkgErr != nil {
		return stepFailed(step, "Тариф абонента недоступен", pkgErr, o.logger)
	}
	if err := o.radius.SyncUser(ctx, user, pkg, addr); err != nil {
		return stepFailed(step, "Не удалось синхронизировать FreeRADIUS", err, o.logger)
	}
	step.Success = true
	if active {
		step.Message = "Учётные данные FreeRADIUS актуальны"
	} else {
		step.Message = "Учётные данные FreeRADIUS удалены"
	}
	return step
}

func (o *Orchestrator) stepRouter(ctx context.Context, user *model.NetworkUser, pkg *model.Package, pkgErr error, addr *netip.Addr, active bool) model.StepOutcome {
	step := model.StepOutcome{Step: model.StepRouter}

	if user.ServiceType != model.ServicePPPoE {
		step.Success = true
		step.Skipped = true
		step.Message = "PPP secret не требуется для типа подключения " + user.ServiceType
		return step
	}
	if user.RouterID == nil {
		step.Success = true
		step.Skipped = true
		step.Message = "Роутер не назначен"
		return step
	}

	router, err := o.routers.GetByID(ctx, *user.RouterID)
	if err != nil {
		return stepFailed(step, "Роутер абонента не найден", err, o.logger)
	}

	var res model.ProvisionResult
	if active {
		if pkgErr != nil {
			return stepFailed(step, "Тариф абонента недоступен", pkgErr, o.logger)
		}
		res = o.prov.ProvisionUser(ctx, router, user, pkg, addr)
	} else {
		res = o.prov.DeprovisionUser(ctx, router, user.TenantID, user.Username)
	}

	step.Success = res.Success
	step.Message = res.Message
	if !res.Success && res.Error != "" {
		step.Message += ": " + res.Error
	}
	return step
}

// ProvisionOnRouter вручную создаёт или обновляет PPP secret абонента
// tenant на роутере tenant. Отказы устройства возвращаются в результате.
func (o *Orchestrator) ProvisionOnRouter(ctx context.Context, tenantID, routerID int64, username string) (model.ProvisionResult, error) {
	router, err := o.prov.GetRouter(ctx, tenantID, routerID)
	if err != nil {
		return model.ProvisionResult{}, err
	}
	user, err := o.users.GetByUsername(ctx, tenantID, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.ProvisionResult{}, ErrNotFound
		}
		return model.ProvisionResult{}, fmt.Errorf("получение абонента: %w", err)
	}
	if user.PackageID == nil {
		return model.ProvisionResult{}, fmt.Errorf("%w: абоненту %q не назначен тариф", ErrValidation, username)
	}
	pkg, err := o.loadPackage(ctx, user)
	if err != nil {
		return model.ProvisionResult{}, err
	}
	addr, err := o.ipam.DesiredAddress(ctx, user, pkg)
	if err != nil {
		return model.ProvisionResult{}, fmt.Errorf("адрес абонента: %w", err)
	}
	return o.prov.ProvisionUser(ctx, router, user, pkg, addr), nil
}

// loadUser возвращает абонента события. Удалённый из биллинга абонент
// восстанавливается из снимка события как неактивный.
func (o *Orchestrator) loadUser(ctx context.Context, ev model.LifecycleEvent) (*model.NetworkUser, error) {
	user, err := o.users.GetByID(ctx, ev.NetworkUserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if ev.Username == "" {
			return nil, fmt.Errorf("%w: абонент %d не найден, логин в событии не указан", ErrNotFound, ev.NetworkUserID)
		}
		return &model.NetworkUser{
			ID:          ev.NetworkUserID,
			TenantID:    ev.TenantID,
			Username:    ev.Username,
			ServiceType: model.ServicePPPoE,
			RouterID:    ev.RouterID,
			Status:      model.UserInactive,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("получение абонента: %w", err)
	}

	if user.TenantID != ev.TenantID {
		return nil, ErrNotFound
	}
	if ev.Type == model.EventUserDeleted {
		user.Status = model.UserInactive
	}
	if user.RouterID == nil {
		user.RouterID = ev.RouterID
	}
	return user, nil
}

// loadPackage возвращает тариф абонента. nil без ошибки — тариф не назначен.
func (o *Orchestrator) loadPackage(ctx context.Context, user *model.NetworkUser) (*model.Package, error) {
	if user.PackageID == nil {
		return nil, nil
	}
	pkg, err := o.packages.GetByID(ctx, *user.PackageID)
	if err != nil {
		return nil, fmt.Errorf("получение тарифа: %w", err)
	}
	if pkg.TenantID != user.TenantID {
		return nil, ErrTenantMismatch
	}
	return pkg, nil
}

// NeedsDedicatedIP сообщает, нужен ли абоненту выделенный адрес:
// static — всегда, pppoe — если у тарифа есть пул, hotspot — никогда.
func NeedsDedicatedIP(user *model.NetworkUser, pkg *model.Package) bool {
	switch user.ServiceType {
	case model.ServiceStatic:
		return true
	case model.ServicePPPoE:
		return pkg != nil && pkg.IPPoolID != nil
	default:
		return false
	}
}

// prepareEvent проверяет событие и назначает ID, если его нет.
func prepareEvent(ev model.LifecycleEvent) (model.LifecycleEvent, error) {
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("%w: неизвестный тип события %q", ErrValidation, ev.Type)
	}
	if ev.TenantID <= 0 || ev.NetworkUserID <= 0 {
		return ev, fmt.Errorf("%w: нужны tenant_id и network_user_id", ErrValidation)
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return ev, nil
}

// stepFailed заполняет неуспешный шаг. Подробности ошибки идут в лог,
// в сообщение шага — только безопасный текст.
func stepFailed(step model.StepOutcome, msg string, err error, logger *slog.Logger) model.StepOutcome {
	logger.Warn("Шаг синхронизации не выполнен",
		slog.String("step", step.Step),
		slog.String("error", err.Error()),
	)
	step.Success = false
	step.Message = msg
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrTenantMismatch) {
		step.Message += ": " + err.Error()
	}
	return step
}
