// provisioning.go — координатор PPP secrets абонентов на роутерах MikroTik.
//
// ProvisionUser:
//  1. Проверка tenant (роутер, абонент и тариф одного tenant) и статуса роутера
//     до любых вызовов API устройства
//  2. Профиль тарифа на роутере: имя = имя тарифа, rate-limit = "{up}k/{down}k";
//     подтверждённые профили кэшируются
//  3. Upsert secret: по зеркалу synced — сначала set, иначе сначала add.
//     Выделенный адрес абонента уходит в remote-address, MAC — в caller-id
//  4. Только после успеха устройства — строка зеркала в synced
//
// Ожидаемые отказы (чужой tenant, неактивный роутер, ошибка или таймаут
// устройства) возвращаются как ProvisionResult с Success == false, а не
// как ошибки Go. Сообщения результата безопасны для показа: в них нет
// тел ответов устройства и учётных данных. Повторы — забота вызывающего.
//
// Prometheus-метрики:
//   - netsync_module_provision_total — результаты операций над роутерами
//   - netsync_module_provision_states — число пар роутер/абонент по состояниям
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/domain/provision"
	"github.com/bigkaa/netsync/internal/mtclient"
	"github.com/bigkaa/netsync/internal/repository"
)

var (
	provisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_module_provision_total",
		Help: "Результаты операций над абонентами на роутерах",
	}, []string{"operation", "result"}) // operation: provision, deprovision; result: ok, rejected, failed

	provisionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netsync_module_provision_states",
		Help: "Число пар роутер/абонент по состояниям",
	}, []string{"state"})
)

// pppService — значение service PPP secret.
const pppService = "pppoe"

// ProvisioningService — координатор абонентов на роутерах.
type ProvisioningService struct {
	client   *mtclient.Client
	routers  repository.RouterRepository
	mirror   repository.PPPoEMirrorRepository
	profiles *ProfileCache
	tracker  *provision.Tracker
	logger   *slog.Logger
}

// NewProvisioningService создаёт координатор роутеров.
func NewProvisioningService(
	client *mtclient.Client,
	routers repository.RouterRepository,
	mirror repository.PPPoEMirrorRepository,
	profiles *ProfileCache,
	logger *slog.Logger,
) *ProvisioningService {
	return &ProvisioningService{
		client:   client,
		routers:  routers,
		mirror:   mirror,
		profiles: profiles,
		tracker:  provision.NewTracker(),
		logger:   logger.With(slog.String("component", "provisioning")),
	}
}

// GetRouter возвращает роутер tenant. Чужой роутер неотличим от
// отсутствующего.
func (s *ProvisioningService) GetRouter(ctx context.Context, tenantID, routerID int64) (*model.Router, error) {
	rt, err := s.routers.GetByID(ctx, routerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение роутера: %w", err)
	}
	if rt.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return rt, nil
}

// ConnectRouter проверяет доступность API роутера. Каждый вызов —
// независимая проверка без сохранения состояния отказов.
func (s *ProvisioningService) ConnectRouter(ctx context.Context, router *model.Router) bool {
	if err := s.client.Health(ctx, target(router)); err != nil {
		s.logger.Warn("Роутер недоступен",
			slog.Int64("router_id", router.ID),
			slog.String("error", safeDeviceError(err)),
		)
		return false
	}
	if err := s.routers.Touch(ctx, router.ID); err != nil {
		s.logger.Warn("Ошибка обновления last_seen_at",
			slog.Int64("router_id", router.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// EnsureProfileExists гарантирует на роутере профиль тарифа с нужным
// rate-limit. Совпадающий профиль не изменяется.
func (s *ProvisioningService) EnsureProfileExists(ctx context.Context, router *model.Router, pkg *model.Package) error {
	rateLimit := model.RateLimit(pkg.BandwidthUp, pkg.BandwidthDown)
	if s.profiles.Confirmed(router.ID, pkg.Name, rateLimit) {
		return nil
	}

	t := target(router)
	want := mtclient.Profile{Name: pkg.Name, RateLimit: rateLimit}

	current, err := s.client.GetProfile(ctx, t, pkg.Name)
	switch {
	case errors.Is(err, mtclient.ErrNotFound):
		if err := s.client.AddProfile(ctx, t, want); err != nil && !errors.Is(err, mtclient.ErrAlreadyExists) {
			return err
		}
		s.logger.Info("PPP-профиль создан на роутере",
			slog.Int64("router_id", router.ID),
			slog.String("profile", pkg.Name),
			slog.String("rate_limit", rateLimit),
		)
	case err != nil:
		return err
	case current.RateLimit != rateLimit:
		if err := s.client.SetProfile(ctx, t, want); err != nil {
			return err
		}
		s.logger.Info("PPP-профиль обновлён на роутере",
			slog.Int64("router_id", router.ID),
			slog.String("profile", pkg.Name),
			slog.String("rate_limit", rateLimit),
		)
	}

	s.profiles.Confirm(router.ID, pkg.Name, rateLimit)
	return nil
}

// ProvisionUser создаёт или обновляет PPP secret абонента на роутере.
// Повторный вызов обновляет тот же secret и ту же строку зеркала.
// addr — выделенный абоненту адрес; nil оставляет выдачу адреса пулу профиля.
func (s *ProvisioningService) ProvisionUser(ctx context.Context, router *model.Router, user *model.NetworkUser, pkg *model.Package, addr *netip.Addr) model.ProvisionResult {
	res := model.ProvisionResult{Username: user.Username}

	if router.TenantID != user.TenantID || (pkg != nil && pkg.TenantID != user.TenantID) {
		s.logger.Warn("Отказ в подключении: несовпадение tenant",
			slog.Int64("router_id", router.ID),
			slog.Int64("router_tenant_id", router.TenantID),
			slog.Int64("tenant_id", user.TenantID),
			slog.String("username", user.Username),
		)
		return s.reject(res, "provision", "Роутер не принадлежит оператору абонента", ErrTenantMismatch)
	}
	if !router.IsActive() {
		return s.reject(res, "provision", "Роутер неактивен", ErrRouterInactive)
	}
	if pkg == nil {
		return s.reject(res, "provision", "У абонента нет тарифа", ErrValidation)
	}
	res.Profile = pkg.Name

	key := provision.Key{RouterID: router.ID, Username: user.Username}
	if err := s.tracker.Begin(key, provision.StateProvisioning); err != nil {
		return s.reject(res, "provision", "Операция над абонентом уже выполняется", ErrInProgress)
	}

	err := s.provision(ctx, router, user, pkg, addr)
	_ = s.tracker.Finish(key, err == nil)
	s.updateStateGauge()

	if err != nil {
		// Состояние профиля на роутере после отказа неизвестно
		s.profiles.InvalidateRouter(router.ID)
		s.logger.Warn("Ошибка подключения абонента на роутере",
			slog.Int64("router_id", router.ID),
			slog.String("username", user.Username),
			slog.String("error", safeDeviceError(err)),
		)
		return s.fail(res, "provision", "Не удалось подключить абонента на роутере", err)
	}

	provisionTotal.WithLabelValues("provision", "ok").Inc()
	s.logger.Info("Абонент подключён на роутере",
		slog.Int64("tenant_id", user.TenantID),
		slog.Int64("router_id", router.ID),
		slog.String("username", user.Username),
		slog.String("profile", pkg.Name),
	)
	res.Success = true
	res.Message = "Абонент подключён на роутере"
	return res
}

func (s *ProvisioningService) provision(ctx context.Context, router *model.Router, user *model.NetworkUser, pkg *model.Package, addr *netip.Addr) error {
	if err := s.EnsureProfileExists(ctx, router, pkg); err != nil {
		return err
	}

	mirror, err := s.mirror.Get(ctx, router.ID, user.Username)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %w", errMirror, err)
	}

	t := target(router)
	secret := mtclient.Secret{
		Username: user.Username,
		Password: user.Password,
		Profile:  pkg.Name,
		Service:  pppService,
		CallerID: user.MACAddress,
	}
	if addr != nil {
		secret.RemoteAddress = addr.String()
	}

	if mirror != nil && mirror.Status == model.MirrorSynced {
		err = s.client.SetSecret(ctx, t, secret)
		if errors.Is(err, mtclient.ErrNotFound) {
			_, err = s.client.AddSecret(ctx, t, secret)
		}
	} else {
		_, err = s.client.AddSecret(ctx, t, secret)
		if errors.Is(err, mtclient.ErrAlreadyExists) {
			err = s.client.SetSecret(ctx, t, secret)
		}
	}
	if err != nil {
		return err
	}

	row := &model.PPPoEUser{
		RouterID: router.ID,
		Username: user.Username,
		Profile:  pkg.Name,
		Service:  pppService,
	}
	if err := s.mirror.MarkSynced(ctx, row); err != nil {
		return fmt.Errorf("%w: %w", errMirror, err)
	}
	return nil
}

// DeprovisionUser удаляет PPP secret абонента с роутера. Отсутствие
// secret на устройстве — успех. Строка зеркала переводится в inactive
// и сохраняется.
func (s *ProvisioningService) DeprovisionUser(ctx context.Context, router *model.Router, tenantID int64, username string) model.ProvisionResult {
	res := model.ProvisionResult{Username: username}

	if router.TenantID != tenantID {
		return s.reject(res, "deprovision", "Роутер не принадлежит оператору абонента", ErrTenantMismatch)
	}
	if !router.IsActive() {
		return s.reject(res, "deprovision", "Роутер неактивен", ErrRouterInactive)
	}

	key := provision.Key{RouterID: router.ID, Username: username}
	if err := s.tracker.Begin(key, provision.StateDeprovisioning); err != nil {
		return s.reject(res, "deprovision", "Операция над абонентом уже выполняется", ErrInProgress)
	}

	err := s.client.RemoveSecret(ctx, target(router), username)
	if errors.Is(err, mtclient.ErrNotFound) {
		err = nil
	}
	if err == nil {
		if mErr := s.mirror.MarkInactive(ctx, router.ID, username); mErr != nil {
			err = fmt.Errorf("%w: %w", errMirror, mErr)
		}
	}
	_ = s.tracker.Finish(key, err == nil)
	s.updateStateGauge()

	if err != nil {
		s.logger.Warn("Ошибка отключения абонента на роутере",
			slog.Int64("router_id", router.ID),
			slog.String("username", username),
			slog.String("error", safeDeviceError(err)),
		)
		return s.fail(res, "deprovision", "Не удалось отключить абонента на роутере", err)
	}

	provisionTotal.WithLabelValues("deprovision", "ok").Inc()
	s.logger.Info("Абонент отключён на роутере",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("router_id", router.ID),
		slog.String("username", username),
	)
	res.Success = true
	res.Message = "Абонент отключён на роутере"
	return res
}

// GetActiveSessions читает активные PPP-сессии с устройства.
func (s *ProvisioningService) GetActiveSessions(ctx context.Context, router *model.Router) ([]model.ActiveSession, error) {
	if !router.IsActive() {
		return nil, ErrRouterInactive
	}
	sessions, err := s.client.ActiveSessions(ctx, target(router))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, safeDeviceError(err))
	}

	result := make([]model.ActiveSession, 0, len(sessions))
	for _, ss := range sessions {
		result = append(result, model.ActiveSession{
			ID:       ss.ID,
			Name:     ss.Name,
			Service:  ss.Service,
			CallerID: ss.CallerID,
			Address:  ss.Address,
			Uptime:   ss.Uptime,
		})
	}
	return result, nil
}

// DisconnectSession принудительно завершает сессию на роутере.
func (s *ProvisioningService) DisconnectSession(ctx context.Context, router *model.Router, sessionID string) error {
	if !router.IsActive() {
		return ErrRouterInactive
	}
	if sessionID == "" {
		return fmt.Errorf("%w: пустой идентификатор сессии", ErrValidation)
	}
	err := s.client.RemoveSession(ctx, target(router), sessionID)
	if errors.Is(err, mtclient.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, safeDeviceError(err))
	}

	s.logger.Info("Сессия завершена на роутере",
		slog.Int64("router_id", router.ID),
		slog.String("session_id", sessionID),
	)
	return nil
}

// reject — отказ до обращения к устройству.
func (s *ProvisioningService) reject(res model.ProvisionResult, op, msg string, cause error) model.ProvisionResult {
	provisionTotal.WithLabelValues(op, "rejected").Inc()
	res.Message = msg
	res.Error = cause.Error()
	return res
}

// fail — отказ устройства или хранилища.
func (s *ProvisioningService) fail(res model.ProvisionResult, op, msg string, cause error) model.ProvisionResult {
	provisionTotal.WithLabelValues(op, "failed").Inc()
	res.Message = msg
	res.Error = safeDeviceError(cause)
	res.Retryable = true
	return res
}

func (s *ProvisioningService) updateStateGauge() {
	counts := s.tracker.Counts()
	for _, st := range []provision.State{
		provision.StateProvisioning, provision.StateProvisioned,
		provision.StateDeprovisioning,
	} {
		provisionStates.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// target формирует адрес API роутера.
func target(router *model.Router) mtclient.Target {
	return mtclient.Target{
		RouterID: router.ID,
		Host:     router.IPAddress,
		Port:     router.APIPort,
		Username: router.Username,
		Password: router.Password,
	}
}

// errMirror — ошибка записи локального зеркала.
var errMirror = errors.New("ошибка локального зеркала")

// safeDeviceError возвращает описание отказа, пригодное для показа.
// Текст исходной ошибки не используется: в нём может быть адрес
// устройства или ответ хранилища.
func safeDeviceError(err error) string {
	var apiErr *mtclient.APIError
	switch {
	case mtclient.IsTimeout(err):
		return "таймаут API роутера"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("роутер вернул статус %d", apiErr.Status)
	case errors.Is(err, mtclient.ErrRejected):
		return "роутер отклонил запрос"
	case errors.Is(err, errMirror):
		return "ошибка локального зеркала"
	default:
		return "API роутера недоступно"
	}
}
