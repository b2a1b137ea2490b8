// ipam.go — сервис выделения IP-адресов из пулов и подсетей.
//
// Адрес выбирается по возрастанию: наименьший пригодный адрес подсети без
// активного выделения. Выделения в одной подсети сериализуются дважды:
// мьютексом подсети внутри процесса и блокировкой строки подсети в БД
// (между репликами). Частичный уникальный индекс
// (subnet_id, ip_address) WHERE released_at IS NULL — последний рубеж;
// при его срабатывании выделение повторяется с новым чтением.
//
// Prometheus-метрики:
//   - netsync_module_ip_allocations_total — выделения и освобождения
//   - netsync_module_ip_subnet_exhausted_total — попытки выделения из исчерпанной подсети
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/netsync/internal/domain/cidr"
	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

var (
	ipAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_module_ip_allocations_total",
		Help: "Количество выделений и освобождений IP-адресов",
	}, []string{"operation"}) // operation: allocated, released

	ipSubnetExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_module_ip_subnet_exhausted_total",
		Help: "Количество попыток выделения из исчерпанной подсети",
	})
)

// maxClaimAttempts — число попыток выделения при гонке за адрес.
const maxClaimAttempts = 3

// IPAMService — сервис пулов, подсетей и выделений адресов.
type IPAMService struct {
	pools   repository.IPPoolRepository
	subnets repository.IPSubnetRepository
	allocs  repository.IPAllocationRepository
	logger  *slog.Logger

	// Мьютексы подсетей. Подсетей единицы тысяч, записи не удаляются.
	locks sync.Map // int64 → *sync.Mutex

	// Мьютексы абонентов, записи не удаляются.
	userLocks sync.Map // userKey → *sync.Mutex
}

// NewIPAMService создаёт сервис выделения адресов.
func NewIPAMService(
	pools repository.IPPoolRepository,
	subnets repository.IPSubnetRepository,
	allocs repository.IPAllocationRepository,
	logger *slog.Logger,
) *IPAMService {
	return &IPAMService{
		pools:   pools,
		subnets: subnets,
		allocs:  allocs,
		logger:  logger.With(slog.String("component", "ipam")),
	}
}

// CreatePool создаёт пул адресов tenant. start и end необязательны.
func (s *IPAMService) CreatePool(ctx context.Context, tenantID int64, name, purpose string, start, end *netip.Addr) (*model.IPPool, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, fmt.Errorf("%w: имя пула должно быть от 1 до 128 символов", ErrValidation)
	}
	if purpose != model.PoolPurposePublic && purpose != model.PoolPurposePrivate {
		return nil, fmt.Errorf("%w: назначение пула должно быть public или private", ErrValidation)
	}
	for _, a := range []*netip.Addr{start, end} {
		if a != nil && !a.Is4() {
			return nil, fmt.Errorf("%w: границы пула должны быть IPv4-адресами", ErrValidation)
		}
	}
	if start != nil && end != nil && end.Less(*start) {
		return nil, fmt.Errorf("%w: конец диапазона пула меньше начала", ErrValidation)
	}

	p := &model.IPPool{
		TenantID: tenantID,
		Name:     name,
		Purpose:  purpose,
		StartIP:  start,
		EndIP:    end,
		Status:   model.StatusActive,
	}
	if err := s.pools.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: пул %q уже существует", ErrConflict, name)
		}
		return nil, fmt.Errorf("создание пула: %w", err)
	}

	s.logger.Info("Пул адресов создан",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("pool_id", p.ID),
		slog.String("name", name),
	)
	return p, nil
}

// SetPoolStatus включает или отключает пул. Отключённый пул не выдаёт
// адресов, существующие выделения сохраняются.
func (s *IPAMService) SetPoolStatus(ctx context.Context, tenantID, poolID int64, status string) (*model.IPPool, error) {
	if status != model.StatusActive && status != model.StatusInactive {
		return nil, fmt.Errorf("%w: статус должен быть active или inactive", ErrValidation)
	}
	p, err := s.getPool(ctx, tenantID, poolID)
	if err != nil {
		return nil, err
	}
	if err := s.pools.SetStatus(ctx, poolID, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("обновление статуса пула: %w", err)
	}
	p.Status = status
	return p, nil
}

// CreateSubnet добавляет подсеть в пул. Адрес сети должен быть
// каноничным, шлюз — пригодным адресом подсети, подсеть не должна
// пересекаться с другими подсетями пула.
func (s *IPAMService) CreateSubnet(ctx context.Context, tenantID, poolID int64, network string, prefixLength int, gateway string) (*model.IPSubnet, error) {
	prefix, err := cidr.ParseSubnet(network, prefixLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	var gw *netip.Addr
	if gateway != "" {
		addr, err := netip.ParseAddr(gateway)
		if err != nil || !cidr.IsUsable(prefix, addr) {
			return nil, fmt.Errorf("%w: шлюз %q вне пригодных адресов %s", ErrValidation, gateway, prefix)
		}
		gw = &addr
	}

	if _, err := s.getPool(ctx, tenantID, poolID); err != nil {
		return nil, err
	}

	sub := &model.IPSubnet{
		PoolID:       poolID,
		Network:      prefix.Addr(),
		PrefixLength: prefix.Bits(),
		Gateway:      gw,
		Status:       model.StatusActive,
	}
	if err := s.subnets.Create(ctx, sub); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: подсеть %s пересекается с подсетью пула", ErrConflict, prefix)
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("создание подсети: %w", err)
	}

	s.logger.Info("Подсеть добавлена в пул",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("pool_id", poolID),
		slog.Int64("subnet_id", sub.ID),
		slog.String("prefix", prefix.String()),
	)
	return sub, nil
}

// Allocate выдаёт наименьший свободный адрес подсети.
// Возвращает nil без ошибки, если подсеть исчерпана или подсеть/пул отключены.
func (s *IPAMService) Allocate(ctx context.Context, tenantID, subnetID int64, a model.Assignee) (*model.IPAllocation, error) {
	a, err := normalizeAssignee(a)
	if err != nil {
		return nil, err
	}

	scope, err := s.getScope(ctx, tenantID, subnetID)
	if err != nil {
		return nil, err
	}
	if scope.PoolStatus != model.StatusActive || scope.Subnet.Status != model.StatusActive {
		s.logger.Info("Выделение из неактивной подсети или пула",
			slog.Int64("subnet_id", subnetID),
			slog.String("pool_status", scope.PoolStatus),
			slog.String("subnet_status", scope.Subnet.Status),
		)
		return nil, nil
	}

	prefix := scope.Subnet.Prefix()
	pick := func(used []netip.Addr) (netip.Addr, bool) {
		return cidr.LowestFree(prefix, used)
	}

	mu := s.subnetLock(subnetID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; ; attempt++ {
		alloc, err := s.allocs.Claim(ctx, subnetID, pick, a)
		if err == nil {
			if alloc == nil {
				ipSubnetExhaustedTotal.Inc()
				s.logger.Warn("Подсеть исчерпана",
					slog.Int64("tenant_id", tenantID),
					slog.Int64("subnet_id", subnetID),
					slog.String("prefix", prefix.String()),
				)
				return nil, nil
			}
			ipAllocationsTotal.WithLabelValues(model.AllocationAllocated).Inc()
			s.logger.Info("Адрес выделен",
				slog.Int64("tenant_id", tenantID),
				slog.Int64("subnet_id", subnetID),
				slog.String("ip", alloc.IPAddress.String()),
				slog.String("username", alloc.Username),
			)
			return alloc, nil
		}
		if errors.Is(err, repository.ErrConflict) && attempt < maxClaimAttempts {
			s.logger.Debug("Гонка за адрес, повтор выделения",
				slog.Int64("subnet_id", subnetID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("выделение адреса: %w", err)
	}
}

// Release освобождает выделение. false без ошибки — выделение уже
// было освобождено.
func (s *IPAMService) Release(ctx context.Context, tenantID, allocationID int64) (bool, error) {
	alloc, err := s.getAllocation(ctx, tenantID, allocationID)
	if err != nil {
		return false, err
	}
	return s.release(ctx, tenantID, alloc.ID)
}

func (s *IPAMService) release(ctx context.Context, tenantID, allocationID int64) (bool, error) {
	alloc, released, err := s.allocs.Release(ctx, allocationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("освобождение адреса: %w", err)
	}
	if released {
		ipAllocationsTotal.WithLabelValues(model.AllocationReleased).Inc()
		s.logger.Info("Адрес освобождён",
			slog.Int64("tenant_id", tenantID),
			slog.Int64("subnet_id", alloc.SubnetID),
			slog.String("ip", alloc.IPAddress.String()),
		)
	}
	return released, nil
}

// GetPoolUtilization возвращает ёмкость и заполненность пула.
// Ёмкость — сумма пригодных адресов подсетей: 2^(32-p) - 2 каждая.
func (s *IPAMService) GetPoolUtilization(ctx context.Context, tenantID, poolID int64) (*model.PoolUtilization, error) {
	if _, err := s.getPool(ctx, tenantID, poolID); err != nil {
		return nil, err
	}

	subnets, err := s.subnets.ListByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("подсети пула: %w", err)
	}
	var total int64
	for _, sub := range subnets {
		total += cidr.UsableCount(sub.Prefix())
	}

	allocated, err := s.allocs.CountActiveByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("подсчёт выделений: %w", err)
	}

	u := &model.PoolUtilization{
		PoolID:    poolID,
		Total:     total,
		Allocated: allocated,
		Available: total - allocated,
	}
	if total > 0 {
		u.UtilizationPercent = math.Round(float64(allocated)/float64(total)*10000) / 100
	}
	return u, nil
}

// GetAvailableIPs возвращает до limit свободных адресов подсети по возрастанию.
func (s *IPAMService) GetAvailableIPs(ctx context.Context, tenantID, subnetID int64, limit int) ([]netip.Addr, error) {
	scope, err := s.getScope(ctx, tenantID, subnetID)
	if err != nil {
		return nil, err
	}
	used, err := s.allocs.ListActiveAddrs(ctx, subnetID)
	if err != nil {
		return nil, fmt.Errorf("занятые адреса подсети: %w", err)
	}
	return cidr.Free(scope.Subnet.Prefix(), used, limit), nil
}

// History возвращает журнал выделения в порядке записи.
func (s *IPAMService) History(ctx context.Context, tenantID, allocationID int64) ([]*model.AllocationHistoryEntry, error) {
	if _, err := s.getAllocation(ctx, tenantID, allocationID); err != nil {
		return nil, err
	}
	entries, err := s.allocs.History(ctx, allocationID)
	if err != nil {
		return nil, fmt.Errorf("журнал выделения: %w", err)
	}
	return entries, nil
}

// ActiveForUser возвращает адреса, которые удерживает абонент.
func (s *IPAMService) ActiveForUser(ctx context.Context, tenantID int64, username string) ([]*model.IPAllocation, error) {
	allocs, err := s.allocs.ListActiveByUsername(ctx, tenantID, username)
	if err != nil {
		return nil, fmt.Errorf("выделения абонента: %w", err)
	}
	return allocs, nil
}

// EnsureForUser гарантирует абоненту ровно один адрес из пула: оставляет
// уже удерживаемый адрес пула или выделяет новый из подсетей пула по
// возрастанию ID. Адреса абонента вне пула и лишние адреса в пуле
// освобождаются. nil без ошибки — все подсети пула исчерпаны.
func (s *IPAMService) EnsureForUser(ctx context.Context, user *model.NetworkUser, poolID int64) (*model.IPAllocation, error) {
	if _, err := s.getPool(ctx, user.TenantID, poolID); err != nil {
		return nil, err
	}
	subnets, err := s.subnets.ListByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("подсети пула: %w", err)
	}

	mu := s.userLock(user.TenantID, user.Username)
	mu.Lock()
	defer mu.Unlock()

	held, err := s.ActiveForUser(ctx, user.TenantID, user.Username)
	if err != nil {
		return nil, err
	}
	keep := pickInPool(held, subnetSet(subnets))
	for _, a := range held {
		if a == keep {
			continue
		}
		if _, err := s.release(ctx, user.TenantID, a.ID); err != nil {
			return nil, err
		}
	}
	if keep != nil {
		return keep, nil
	}

	assignee := model.Assignee{Username: user.Username, MACAddress: user.MACAddress}
	for _, sub := range subnets {
		alloc, err := s.Allocate(ctx, user.TenantID, sub.ID, assignee)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			return alloc, nil
		}
	}
	return nil, nil
}

// ReleaseForUser освобождает все адреса абонента. Возвращает число
// освобождённых адресов.
func (s *IPAMService) ReleaseForUser(ctx context.Context, tenantID int64, username string) (int, error) {
	mu := s.userLock(tenantID, username)
	mu.Lock()
	defer mu.Unlock()

	held, err := s.ActiveForUser(ctx, tenantID, username)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range held {
		released, err := s.release(ctx, tenantID, a.ID)
		if err != nil {
			return n, err
		}
		if released {
			n++
		}
	}
	return n, nil
}

// DesiredAddress возвращает адрес для reply абонента: удерживаемый адрес
// из пула тарифа. nil — выделенный адрес абоненту не положен или ещё не
// выдан. Адреса вне пула тарифа не возвращаются, даже если удерживаются.
func (s *IPAMService) DesiredAddress(ctx context.Context, user *model.NetworkUser, pkg *model.Package) (*netip.Addr, error) {
	if !NeedsDedicatedIP(user, pkg) || pkg == nil || pkg.IPPoolID == nil {
		return nil, nil
	}
	if _, err := s.getPool(ctx, user.TenantID, *pkg.IPPoolID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	subnets, err := s.subnets.ListByPool(ctx, *pkg.IPPoolID)
	if err != nil {
		return nil, fmt.Errorf("подсети пула: %w", err)
	}
	held, err := s.ActiveForUser(ctx, user.TenantID, user.Username)
	if err != nil {
		return nil, err
	}
	if a := pickInPool(held, subnetSet(subnets)); a != nil {
		addr := a.IPAddress
		return &addr, nil
	}
	return nil, nil
}

// --- Вспомогательные ---

func (s *IPAMService) subnetLock(subnetID int64) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(subnetID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// userKey — ключ мьютекса абонента.
type userKey struct {
	tenantID int64
	username string
}

// userLock сериализует проверку и выделение адресов одного абонента:
// синхронный HTTP-путь и воркер повторов не выдают ему второй адрес.
// Порядок захвата: мьютекс абонента, затем мьютекс подсети.
func (s *IPAMService) userLock(tenantID int64, username string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userKey{tenantID, username}, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func subnetSet(subnets []*model.IPSubnet) map[int64]bool {
	set := make(map[int64]bool, len(subnets))
	for _, sub := range subnets {
		set[sub.ID] = true
	}
	return set
}

// pickInPool возвращает первое (самое раннее) выделение в подсетях пула.
func pickInPool(held []*model.IPAllocation, inPool map[int64]bool) *model.IPAllocation {
	for _, a := range held {
		if inPool[a.SubnetID] {
			return a
		}
	}
	return nil
}

// getPool возвращает пул tenant. Чужой пул неотличим от отсутствующего.
func (s *IPAMService) getPool(ctx context.Context, tenantID, poolID int64) (*model.IPPool, error) {
	p, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение пула: %w", err)
	}
	if p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *IPAMService) getScope(ctx context.Context, tenantID, subnetID int64) (*model.SubnetScope, error) {
	scope, err := s.subnets.GetScope(ctx, subnetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение подсети: %w", err)
	}
	if scope.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return scope, nil
}

func (s *IPAMService) getAllocation(ctx context.Context, tenantID, allocationID int64) (*model.IPAllocation, error) {
	alloc, err := s.allocs.GetByID(ctx, allocationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение выделения: %w", err)
	}
	if _, err := s.getScope(ctx, tenantID, alloc.SubnetID); err != nil {
		return nil, err
	}
	return alloc, nil
}

// normalizeAssignee проверяет держателя адреса: нужен MAC и/или логин.
func normalizeAssignee(a model.Assignee) (model.Assignee, error) {
	a.Username = strings.TrimSpace(a.Username)
	if a.MACAddress == "" && a.Username == "" {
		return a, fmt.Errorf("%w: нужен MAC-адрес или логин", ErrValidation)
	}
	if a.MACAddress != "" {
		hw, err := net.ParseMAC(a.MACAddress)
		if err != nil || len(hw) != 6 {
			return a, fmt.Errorf("%w: некорректный MAC-адрес %q", ErrValidation, a.MACAddress)
		}
		a.MACAddress = hw.String()
	}
	if a.Username != "" {
		if err := model.ValidateUsername(a.Username); err != nil {
			return a, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
	}
	return a, nil
}
