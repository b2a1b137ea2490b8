package service

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

// In-memory реализации репозиториев для unit-тестов сервисов.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- IPAM ---

type memIPAM struct {
	mu      sync.Mutex
	nextID  int64
	pools   map[int64]*model.IPPool
	subnets map[int64]*model.IPSubnet
	allocs  map[int64]*model.IPAllocation
	history []*model.AllocationHistoryEntry

	// claimConflicts — сколько раз Claim вернёт ErrConflict до успеха
	claimConflicts int
	// listDelay — задержка чтения выделений абонента, расширяет окно гонки
	listDelay time.Duration
}

func newMemIPAM() *memIPAM {
	return &memIPAM{
		pools:   map[int64]*model.IPPool{},
		subnets: map[int64]*model.IPSubnet{},
		allocs:  map[int64]*model.IPAllocation{},
	}
}

func (m *memIPAM) id() int64 {
	m.nextID++
	return m.nextID
}

// memPools — IPPoolRepository поверх memIPAM.
type memPools struct{ *memIPAM }

func (m memPools) Create(_ context.Context, p *model.IPPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.pools {
		if other.TenantID == p.TenantID && other.Name == p.Name {
			return repository.ErrConflict
		}
	}
	p.ID = m.id()
	cp := *p
	m.pools[p.ID] = &cp
	return nil
}

func (m memPools) GetByID(_ context.Context, id int64) (*model.IPPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memPools) SetStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	return nil
}

// memSubnets — IPSubnetRepository поверх memIPAM.
type memSubnets struct{ *memIPAM }

func (m memSubnets) Create(_ context.Context, s *model.IPSubnet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[s.PoolID]; !ok {
		return repository.ErrNotFound
	}
	for _, other := range m.subnets {
		if other.PoolID == s.PoolID && other.Prefix().Overlaps(s.Prefix()) {
			return repository.ErrConflict
		}
	}
	s.ID = m.id()
	cp := *s
	m.subnets[s.ID] = &cp
	return nil
}

func (m memSubnets) GetScope(_ context.Context, subnetID int64) (*model.SubnetScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subnets[subnetID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p := m.pools[s.PoolID]
	return &model.SubnetScope{Subnet: *s, TenantID: p.TenantID, PoolStatus: p.Status}, nil
}

func (m memSubnets) ListByPool(_ context.Context, poolID int64) ([]*model.IPSubnet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.IPSubnet
	for _, s := range m.subnets {
		if s.PoolID == poolID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// memAllocs — IPAllocationRepository поверх memIPAM.
type memAllocs struct{ *memIPAM }

func (m memAllocs) activeAddrs(subnetID int64) []netip.Addr {
	var used []netip.Addr
	for _, a := range m.allocs {
		if a.SubnetID == subnetID && a.Active() {
			used = append(used, a.IPAddress)
		}
	}
	slices.SortFunc(used, func(a, b netip.Addr) int { return a.Compare(b) })
	return used
}

func (m memAllocs) Claim(_ context.Context, subnetID int64, pick repository.PickFunc, as model.Assignee) (*model.IPAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subnets[subnetID]; !ok {
		return nil, repository.ErrNotFound
	}
	if m.claimConflicts > 0 {
		m.claimConflicts--
		return nil, repository.ErrConflict
	}
	addr, ok := pick(m.activeAddrs(subnetID))
	if !ok {
		return nil, nil
	}
	now := time.Now()
	a := &model.IPAllocation{
		ID:          m.id(),
		SubnetID:    subnetID,
		IPAddress:   addr,
		MACAddress:  as.MACAddress,
		Username:    as.Username,
		Status:      model.AllocationAllocated,
		AllocatedAt: now,
	}
	m.allocs[a.ID] = a
	m.appendHistory(a, model.AllocationAllocated)
	cp := *a
	return &cp, nil
}

func (m memAllocs) appendHistory(a *model.IPAllocation, action string) {
	m.history = append(m.history, &model.AllocationHistoryEntry{
		ID:           int64(len(m.history) + 1),
		AllocationID: a.ID,
		SubnetID:     a.SubnetID,
		IPAddress:    a.IPAddress,
		MACAddress:   a.MACAddress,
		Username:     a.Username,
		Action:       action,
		CreatedAt:    time.Now(),
	})
}

func (m memAllocs) Release(_ context.Context, id int64) (*model.IPAllocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocs[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if !a.Active() {
		cp := *a
		return &cp, false, nil
	}
	now := time.Now()
	a.ReleasedAt = &now
	a.Status = model.AllocationReleased
	m.appendHistory(a, model.AllocationReleased)
	cp := *a
	return &cp, true, nil
}

func (m memAllocs) GetByID(_ context.Context, id int64) (*model.IPAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m memAllocs) ListActiveAddrs(_ context.Context, subnetID int64) ([]netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAddrs(subnetID), nil
}

func (m memAllocs) ListActiveByUsername(_ context.Context, tenantID int64, username string) ([]*model.IPAllocation, error) {
	if m.listDelay > 0 {
		time.Sleep(m.listDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.IPAllocation
	for _, a := range m.allocs {
		if !a.Active() || a.Username != username {
			continue
		}
		s := m.subnets[a.SubnetID]
		if m.pools[s.PoolID].TenantID != tenantID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memAllocs) CountActiveByPool(_ context.Context, poolID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.allocs {
		if a.Active() && m.subnets[a.SubnetID].PoolID == poolID {
			n++
		}
	}
	return n, nil
}

func (m memAllocs) History(_ context.Context, allocationID int64) ([]*model.AllocationHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AllocationHistoryEntry
	for _, h := range m.history {
		if h.AllocationID == allocationID {
			out = append(out, h)
		}
	}
	return out, nil
}

func newTestIPAM(m *memIPAM) *IPAMService {
	return NewIPAMService(memPools{m}, memSubnets{m}, memAllocs{m}, testLogger())
}

// --- RADIUS ---

// memRadius — RadiusRepository в памяти.
type memRadius struct {
	mu       sync.Mutex
	check    map[string]string
	reply    map[string]map[string]model.Attribute
	acct     map[string]*model.AccountingSummary
	failNext error
}

func newMemRadius() *memRadius {
	return &memRadius{
		check: map[string]string{},
		reply: map[string]map[string]model.Attribute{},
		acct:  map[string]*model.AccountingSummary{},
	}
}

func (m *memRadius) takeFail() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memRadius) Create(_ context.Context, u model.RadiusUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	if _, ok := m.check[u.Username]; ok {
		return repository.ErrConflict
	}
	if _, ok := m.reply[u.Username]; ok {
		return repository.ErrConflict
	}
	m.check[u.Username] = u.Password
	m.reply[u.Username] = map[string]model.Attribute{}
	for _, a := range u.Reply {
		m.reply[u.Username][a.Name] = a
	}
	return nil
}

func (m *memRadius) Update(_ context.Context, username string, password *string, reply []model.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	if _, ok := m.check[username]; !ok {
		return repository.ErrNotFound
	}
	if password != nil {
		m.check[username] = *password
	}
	if m.reply[username] == nil {
		m.reply[username] = map[string]model.Attribute{}
	}
	for _, a := range reply {
		m.reply[username][a.Name] = a
	}
	return nil
}

func (m *memRadius) Delete(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return false, err
	}
	_, c := m.check[username]
	_, r := m.reply[username]
	delete(m.check, username)
	delete(m.reply, username)
	return c || r, nil
}

func (m *memRadius) Converge(_ context.Context, u model.RadiusUser, managed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFail(); err != nil {
		return err
	}
	m.check[u.Username] = u.Password
	rows := m.reply[u.Username]
	if rows == nil {
		rows = map[string]model.Attribute{}
		m.reply[u.Username] = rows
	}
	want := map[string]bool{}
	for _, a := range u.Reply {
		rows[a.Name] = a
		want[a.Name] = true
	}
	for _, name := range managed {
		if !want[name] {
			delete(rows, name)
		}
	}
	return nil
}

func (m *memRadius) Get(_ context.Context, username string) (*model.RadiusUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.check[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := &model.RadiusUser{Username: username, Password: pw}
	for _, a := range m.reply[username] {
		u.Reply = append(u.Reply, a)
	}
	sort.Slice(u.Reply, func(i, j int) bool { return u.Reply[i].Name < u.Reply[j].Name })
	return u, nil
}

// replyValue возвращает значение атрибута reply или "".
func (m *memRadius) replyValue(username, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reply[username][name].Value
}

func (m *memRadius) Accounting(_ context.Context, username string) (*model.AccountingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.acct[username]; ok {
		cp := *s
		return &cp, nil
	}
	return &model.AccountingSummary{Username: username}, nil
}

func (m *memRadius) Sessions(_ context.Context, _ string, _ int) ([]model.AccountingSession, error) {
	return nil, nil
}

// --- Read-модель биллинга ---

type memUsers struct {
	mu    sync.Mutex
	users map[int64]*model.NetworkUser
}

func newMemUsers(users ...*model.NetworkUser) *memUsers {
	m := &memUsers{users: map[int64]*model.NetworkUser{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*model.NetworkUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByUsername(_ context.Context, tenantID int64, username string) (*model.NetworkUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memUsers) ListByTenant(_ context.Context, tenantID int64) ([]*model.NetworkUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.NetworkUser
	for _, u := range m.users {
		if u.TenantID == tenantID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memUsers) ListTenants(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, u := range m.users {
		if !seen[u.TenantID] {
			seen[u.TenantID] = true
			out = append(out, u.TenantID)
		}
	}
	slices.Sort(out)
	return out, nil
}

type memPackages map[int64]*model.Package

func (m memPackages) GetByID(_ context.Context, id int64) (*model.Package, error) {
	p, ok := m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// --- Роутеры и зеркало ---

type memRouters struct {
	mu      sync.Mutex
	routers map[int64]*model.Router
	touched map[int64]int
}

func newMemRouters(routers ...*model.Router) *memRouters {
	m := &memRouters{routers: map[int64]*model.Router{}, touched: map[int64]int{}}
	for _, r := range routers {
		m.routers[r.ID] = r
	}
	return m
}

func (m *memRouters) Create(_ context.Context, rt *model.Router) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt.ID = int64(len(m.routers) + 1)
	m.routers[rt.ID] = rt
	return nil
}

func (m *memRouters) GetByID(_ context.Context, id int64) (*model.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRouters) ListActive(_ context.Context) ([]*model.Router, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Router
	for _, r := range m.routers {
		if r.IsActive() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRouters) Touch(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id]++
	return nil
}

type mirrorKey struct {
	routerID int64
	username string
}

type memMirror struct {
	mu   sync.Mutex
	rows map[mirrorKey]*model.PPPoEUser
}

func newMemMirror() *memMirror {
	return &memMirror{rows: map[mirrorKey]*model.PPPoEUser{}}
}

func (m *memMirror) Get(_ context.Context, routerID int64, username string) (*model.PPPoEUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[mirrorKey{routerID, username}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memMirror) MarkSynced(_ context.Context, u *model.PPPoEUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cp := *u
	cp.Status = model.MirrorSynced
	cp.LastSyncedAt = &now
	m.rows[mirrorKey{u.RouterID, u.Username}] = &cp
	return nil
}

func (m *memMirror) MarkInactive(_ context.Context, routerID int64, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[mirrorKey{routerID, username}]; ok {
		r.Status = model.MirrorInactive
	}
	return nil
}

func (m *memMirror) Reconcile(_ context.Context, routerID int64, present []model.PPPoEUser) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	seen := map[string]bool{}
	for _, p := range present {
		cp := p
		cp.RouterID = routerID
		cp.Status = model.MirrorSynced
		cp.LastSyncedAt = &now
		m.rows[mirrorKey{routerID, p.Username}] = &cp
		seen[p.Username] = true
	}
	var deactivated int64
	for k, r := range m.rows {
		if k.routerID == routerID && !seen[k.username] && r.Status != model.MirrorInactive {
			r.Status = model.MirrorInactive
			deactivated++
		}
	}
	return int64(len(present)), deactivated, nil
}

func (m *memMirror) ListByRouter(_ context.Context, routerID int64) ([]*model.PPPoEUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PPPoEUser
	for k, r := range m.rows {
		if k.routerID == routerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// status возвращает статус строки зеркала или "".
func (m *memMirror) status(routerID int64, username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[mirrorKey{routerID, username}]; ok {
		return r.Status
	}
	return ""
}

// --- Очередь повторов ---

type memJobs struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*model.SyncJob
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[int64]*model.SyncJob{}}
}

func (m *memJobs) pendingFor(tenantID int64, username string, except int64) *model.SyncJob {
	for _, j := range m.jobs {
		if j.ID != except && j.Status == model.JobPending &&
			j.Event.TenantID == tenantID && j.Event.Username == username {
			return j
		}
	}
	return nil
}

func (m *memJobs) Enqueue(_ context.Context, ev model.LifecycleEvent, lastError string, runAt time.Time) (*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.pendingFor(ev.TenantID, ev.Username, 0); j != nil {
		j.Event = ev
		j.LastError = lastError
		if runAt.Before(j.NextRunAt) {
			j.NextRunAt = runAt
		}
		cp := *j
		return &cp, nil
	}
	m.nextID++
	j := &model.SyncJob{
		ID:        m.nextID,
		Event:     ev,
		Status:    model.JobPending,
		NextRunAt: runAt,
		LastError: lastError,
		CreatedAt: time.Now(),
	}
	m.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (m *memJobs) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, j := range m.jobs {
		if j.Status == model.JobPending && !j.NextRunAt.After(time.Now()) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	var out []*model.SyncJob
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		j := m.jobs[id]
		j.Status = model.JobRunning
		j.Attempts++
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobs) MarkDone(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = model.JobDone
	return nil
}

func (m *memJobs) Reschedule(_ context.Context, id int64, runAt time.Time, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.LastError = lastError
	if m.pendingFor(j.Event.TenantID, j.Event.Username, id) != nil {
		j.Status = model.JobDone
		return true, nil
	}
	j.Status = model.JobPending
	j.NextRunAt = runAt
	return false, nil
}

func (m *memJobs) MarkDead(_ context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = model.JobDead
	m.jobs[id].LastError = lastError
	return nil
}

func (m *memJobs) ListDead(_ context.Context, tenantID int64, _ int) ([]*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SyncJob
	for _, j := range m.jobs {
		if j.Status == model.JobDead && j.Event.TenantID == tenantID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memJobs) Requeue(_ context.Context, tenantID, id int64) (*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobDead || j.Event.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	if m.pendingFor(tenantID, j.Event.Username, id) != nil {
		return nil, repository.ErrConflict
	}
	j.Status = model.JobPending
	j.Attempts = 0
	j.NextRunAt = time.Now()
	cp := *j
	return &cp, nil
}

// byStatus возвращает задания с указанным статусом.
func (m *memJobs) byStatus(status string) []*model.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SyncJob
	for _, j := range m.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// makeDue делает все ожидающие задания готовыми к запуску.
func (m *memJobs) makeDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status == model.JobPending {
			j.NextRunAt = time.Now().Add(-time.Second)
		}
	}
}

func newEvent(t model.EventType, tenantID, userID int64) model.LifecycleEvent {
	return model.LifecycleEvent{ID: uuid.New(), Type: t, TenantID: tenantID, NetworkUserID: userID}
}

func ptr[T any](v T) *T { return &v }
