// radius.go — сервис синхронизации учётных данных абонентов с FreeRADIUS.
//
// Пользователь FreeRADIUS — строка radcheck с Cleartext-Password плюс строки
// radreply. Изменения идут построчным upsert-ом по (username, attribute),
// поэтому параллельные обновления разных атрибутов одного логина не
// теряются. SyncUser — идемпотентная сходимость по статусу абонента:
// активный абонент получает полный набор строк, неактивный — ни одной.
//
// SyncUser управляет только атрибутами из managedAttributes; атрибуты,
// добавленные администратором через UpdateUser, сохраняются.
//
// Prometheus-метрики:
//   - netsync_module_radius_sync_total — результаты сходимости абонентов
//   - netsync_module_radius_sweep_duration_seconds — длительность полного прохода
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

var (
	radiusSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_module_radius_sync_total",
		Help: "Результаты синхронизации абонентов с FreeRADIUS",
	}, []string{"result"}) // result: converged, removed, error

	radiusSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsync_module_radius_sweep_duration_seconds",
		Help:    "Длительность полного прохода синхронизации FreeRADIUS",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~204s
	})
)

// managedAttributes — атрибуты reply, которые выводятся из абонента и тарифа.
var managedAttributes = []string{
	model.AttrMikrotikRateLimit,
	model.AttrFramedIPAddress,
	model.AttrFramedProtocol,
	model.AttrServiceType,
	model.AttrSessionTimeout,
}

// sweepConcurrency — параллельность полного прохода по абонентам tenant.
const sweepConcurrency = 5

// AddressLookup — источник адреса для Framed-IP-Address: удерживаемый
// адрес из пула тарифа абонента.
type AddressLookup interface {
	DesiredAddress(ctx context.Context, user *model.NetworkUser, pkg *model.Package) (*netip.Addr, error)
}

// RadiusService — сервис учётных данных FreeRADIUS.
type RadiusService struct {
	repo     repository.RadiusRepository
	users    repository.NetworkUserRepository
	packages repository.PackageRepository
	addrs    AddressLookup
	logger   *slog.Logger
}

// NewRadiusService создаёт сервис FreeRADIUS.
func NewRadiusService(
	repo repository.RadiusRepository,
	users repository.NetworkUserRepository,
	packages repository.PackageRepository,
	addrs AddressLookup,
	logger *slog.Logger,
) *RadiusService {
	return &RadiusService{
		repo:     repo,
		users:    users,
		packages: packages,
		addrs:    addrs,
		logger:   logger.With(slog.String("component", "radius")),
	}
}

// CreateUser создаёт пользователя FreeRADIUS. Повторное создание того же
// логина — ErrConflict.
func (s *RadiusService) CreateUser(ctx context.Context, username, password string, reply map[string]string) error {
	if err := model.ValidateUsername(username); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if password == "" {
		return fmt.Errorf("%w: пустой пароль", ErrValidation)
	}
	attrs, err := parseReply(reply)
	if err != nil {
		return err
	}

	if err := s.repo.Create(ctx, model.RadiusUser{Username: username, Password: password, Reply: attrs}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: пользователь RADIUS %q уже существует", ErrConflict, username)
		}
		return fmt.Errorf("создание пользователя RADIUS: %w", err)
	}

	s.logger.Info("Пользователь RADIUS создан",
		slog.String("username", username),
		slog.Int("reply_attributes", len(attrs)),
	)
	return nil
}

// UpdateUser меняет пароль (если задан) и upsert-ит атрибуты reply.
// Отсутствующий пользователь — ErrNotFound.
func (s *RadiusService) UpdateUser(ctx context.Context, username string, password *string, reply map[string]string) error {
	if password != nil && *password == "" {
		return fmt.Errorf("%w: пустой пароль", ErrValidation)
	}
	if password == nil && len(reply) == 0 {
		return fmt.Errorf("%w: нечего обновлять", ErrValidation)
	}
	attrs, err := parseReply(reply)
	if err != nil {
		return err
	}

	if err := s.repo.Update(ctx, username, password, attrs); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("обновление пользователя RADIUS: %w", err)
	}

	s.logger.Info("Пользователь RADIUS обновлён",
		slog.String("username", username),
		slog.Bool("password_changed", password != nil),
		slog.Int("reply_attributes", len(attrs)),
	)
	return nil
}

// DeleteUser удаляет все строки пользователя. Отсутствующий
// пользователь — не ошибка.
func (s *RadiusService) DeleteUser(ctx context.Context, username string) error {
	existed, err := s.repo.Delete(ctx, username)
	if err != nil {
		return fmt.Errorf("удаление пользователя RADIUS: %w", err)
	}
	if existed {
		s.logger.Info("Пользователь RADIUS удалён", slog.String("username", username))
	}
	return nil
}

// SyncUser приводит FreeRADIUS к состоянию абонента: активный абонент —
// пароль и атрибуты тарифа, неактивный — отсутствие строк. addr —
// выделенный абоненту адрес, если есть. Повторный вызов без изменений
// входных данных ничего не меняет.
func (s *RadiusService) SyncUser(ctx context.Context, user *model.NetworkUser, pkg *model.Package, addr *netip.Addr) error {
	if !user.IsActive() {
		if err := s.DeleteUser(ctx, user.Username); err != nil {
			radiusSyncTotal.WithLabelValues("error").Inc()
			return err
		}
		radiusSyncTotal.WithLabelValues("removed").Inc()
		return nil
	}

	if err := model.ValidateUsername(user.Username); err != nil {
		radiusSyncTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if user.Password == "" {
		radiusSyncTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: у абонента %s пустой пароль", ErrValidation, user.Username)
	}

	reply, err := DesiredReply(user, pkg, addr)
	if err != nil {
		radiusSyncTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	u := model.RadiusUser{Username: user.Username, Password: user.Password, Reply: reply}
	if err := s.repo.Converge(ctx, u, managedAttributes); err != nil {
		radiusSyncTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("синхронизация пользователя RADIUS: %w", err)
	}

	radiusSyncTotal.WithLabelValues("converged").Inc()
	s.logger.Debug("Пользователь RADIUS синхронизирован",
		slog.Int64("tenant_id", user.TenantID),
		slog.String("username", user.Username),
	)
	return nil
}

// SyncAll синхронизирует всех абонентов tenant (до sweepConcurrency
// одновременно). Ошибки отдельных абонентов логируются и не прерывают
// проход. Возвращает число успешно синхронизированных абонентов.
func (s *RadiusService) SyncAll(ctx context.Context, tenantID int64) (int, error) {
	users, err := s.users.ListByTenant(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("абоненты tenant: %w", err)
	}

	var synced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, u := range users {
		g.Go(func() error {
			if err := s.syncStored(gctx, u); err != nil {
				s.logger.Warn("Ошибка синхронизации абонента с RADIUS",
					slog.Int64("tenant_id", tenantID),
					slog.String("username", u.Username),
					slog.String("error", err.Error()),
				)
				return nil
			}
			synced.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return int(synced.Load()), err
	}
	return int(synced.Load()), nil
}

// SyncAllTenants выполняет SyncAll для каждого tenant с абонентами.
func (s *RadiusService) SyncAllTenants(ctx context.Context) error {
	start := time.Now()
	defer func() { radiusSweepDuration.Observe(time.Since(start).Seconds()) }()

	tenants, err := s.users.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("список tenant: %w", err)
	}

	total := 0
	for _, tenantID := range tenants {
		n, err := s.SyncAll(ctx, tenantID)
		total += n
		if err != nil {
			return err
		}
	}

	s.logger.Info("Полная синхронизация RADIUS завершена",
		slog.Int("tenants", len(tenants)),
		slog.Int("users", total),
		slog.String("duration", time.Since(start).String()),
	)
	return nil
}

// CheckOwner проверяет, что логин принадлежит абоненту tenant. Таблицы
// FreeRADIUS общие для всех tenant, поэтому ручные операции над ними
// допускаются только для своих абонентов.
func (s *RadiusService) CheckOwner(ctx context.Context, tenantID int64, username string) error {
	if _, err := s.users.GetByUsername(ctx, tenantID, username); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: абонент %q не найден", ErrNotFound, username)
		}
		return fmt.Errorf("получение абонента: %w", err)
	}
	return nil
}

// GetAccountingData возвращает агрегаты radacct абонента tenant.
func (s *RadiusService) GetAccountingData(ctx context.Context, tenantID int64, username string) (*model.AccountingSummary, []model.AccountingSession, error) {
	if err := s.CheckOwner(ctx, tenantID, username); err != nil {
		return nil, nil, err
	}

	summary, err := s.repo.Accounting(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("агрегация учёта: %w", err)
	}
	sessions, err := s.repo.Sessions(ctx, username, 20)
	if err != nil {
		return nil, nil, fmt.Errorf("сессии учёта: %w", err)
	}
	return summary, sessions, nil
}

// syncStored синхронизирует абонента из read-модели биллинга.
func (s *RadiusService) syncStored(ctx context.Context, user *model.NetworkUser) error {
	var pkg *model.Package
	if user.PackageID != nil {
		p, err := s.packages.GetByID(ctx, *user.PackageID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("тариф абонента: %w", err)
		}
		pkg = p
	}

	addr, err := s.addrs.DesiredAddress(ctx, user, pkg)
	if err != nil {
		return err
	}
	return s.SyncUser(ctx, user, pkg, addr)
}

// DesiredReply строит атрибуты reply абонента: скорость тарифа,
// выделенный адрес, PPP-атрибуты для pppoe и лимит сессии.
func DesiredReply(user *model.NetworkUser, pkg *model.Package, addr *netip.Addr) ([]model.Attribute, error) {
	raw := make(map[string]string)
	if pkg != nil {
		raw[model.AttrMikrotikRateLimit] = model.RateLimit(pkg.BandwidthUp, pkg.BandwidthDown)
		if pkg.SessionTimeout != nil {
			raw[model.AttrSessionTimeout] = strconv.Itoa(*pkg.SessionTimeout)
		}
	}
	if addr != nil {
		raw[model.AttrFramedIPAddress] = addr.String()
	}
	if user.ServiceType == model.ServicePPPoE {
		raw[model.AttrFramedProtocol] = "PPP"
		raw[model.AttrServiceType] = "Framed-User"
	}
	return model.ParseAttributes(raw)
}

// parseReply проверяет атрибуты reply из запроса. Пароль задаётся
// только отдельным полем.
func parseReply(reply map[string]string) ([]model.Attribute, error) {
	if _, ok := reply[model.AttrCleartextPassword]; ok {
		return nil, fmt.Errorf("%w: %s нельзя передавать как атрибут reply", ErrValidation, model.AttrCleartextPassword)
	}
	attrs, err := model.ParseAttributes(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return attrs, nil
}
