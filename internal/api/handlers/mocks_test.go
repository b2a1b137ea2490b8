package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/netip"

	"github.com/bigkaa/netsync/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- IPAM ---

type mockIPAM struct {
	createPoolFn    func(ctx context.Context, tenantID int64, name, purpose string, start, end *netip.Addr) (*model.IPPool, error)
	setPoolStatusFn func(ctx context.Context, tenantID, poolID int64, status string) (*model.IPPool, error)
	utilizationFn   func(ctx context.Context, tenantID, poolID int64) (*model.PoolUtilization, error)
	createSubnetFn  func(ctx context.Context, tenantID, poolID int64, network string, prefixLength int, gateway string) (*model.IPSubnet, error)
	allocateFn      func(ctx context.Context, tenantID, subnetID int64, a model.Assignee) (*model.IPAllocation, error)
	availableFn     func(ctx context.Context, tenantID, subnetID int64, limit int) ([]netip.Addr, error)
	releaseFn       func(ctx context.Context, tenantID, allocationID int64) (bool, error)
	historyFn       func(ctx context.Context, tenantID, allocationID int64) ([]*model.AllocationHistoryEntry, error)
}

func (m *mockIPAM) CreatePool(ctx context.Context, tenantID int64, name, purpose string, start, end *netip.Addr) (*model.IPPool, error) {
	return m.createPoolFn(ctx, tenantID, name, purpose, start, end)
}

func (m *mockIPAM) SetPoolStatus(ctx context.Context, tenantID, poolID int64, status string) (*model.IPPool, error) {
	return m.setPoolStatusFn(ctx, tenantID, poolID, status)
}

func (m *mockIPAM) GetPoolUtilization(ctx context.Context, tenantID, poolID int64) (*model.PoolUtilization, error) {
	return m.utilizationFn(ctx, tenantID, poolID)
}

func (m *mockIPAM) CreateSubnet(ctx context.Context, tenantID, poolID int64, network string, prefixLength int, gateway string) (*model.IPSubnet, error) {
	return m.createSubnetFn(ctx, tenantID, poolID, network, prefixLength, gateway)
}

func (m *mockIPAM) Allocate(ctx context.Context, tenantID, subnetID int64, a model.Assignee) (*model.IPAllocation, error) {
	return m.allocateFn(ctx, tenantID, subnetID, a)
}

func (m *mockIPAM) GetAvailableIPs(ctx context.Context, tenantID, subnetID int64, limit int) ([]netip.Addr, error) {
	return m.availableFn(ctx, tenantID, subnetID, limit)
}

func (m *mockIPAM) Release(ctx context.Context, tenantID, allocationID int64) (bool, error) {
	return m.releaseFn(ctx, tenantID, allocationID)
}

func (m *mockIPAM) History(ctx context.Context, tenantID, allocationID int64) ([]*model.AllocationHistoryEntry, error) {
	return m.historyFn(ctx, tenantID, allocationID)
}

// --- Radius ---

type mockRadius struct {
	checkOwnerFn func(ctx context.Context, tenantID int64, username string) error
	createFn     func(ctx context.Context, username, password string, reply map[string]string) error
	updateFn     func(ctx context.Context, username string, password *string, reply map[string]string) error
	deleteFn     func(ctx context.Context, username string) error
	syncAllFn    func(ctx context.Context, tenantID int64) (int, error)
	accountingFn func(ctx context.Context, tenantID int64, username string) (*model.AccountingSummary, []model.AccountingSession, error)
}

func (m *mockRadius) CheckOwner(ctx context.Context, tenantID int64, username string) error {
	return m.checkOwnerFn(ctx, tenantID, username)
}

func (m *mockRadius) CreateUser(ctx context.Context, username, password string, reply map[string]string) error {
	return m.createFn(ctx, username, password, reply)
}

func (m *mockRadius) UpdateUser(ctx context.Context, username string, password *string, reply map[string]string) error {
	return m.updateFn(ctx, username, password, reply)
}

func (m *mockRadius) DeleteUser(ctx context.Context, username string) error {
	return m.deleteFn(ctx, username)
}

func (m *mockRadius) SyncAll(ctx context.Context, tenantID int64) (int, error) {
	return m.syncAllFn(ctx, tenantID)
}

func (m *mockRadius) GetAccountingData(ctx context.Context, tenantID int64, username string) (*model.AccountingSummary, []model.AccountingSession, error) {
	return m.accountingFn(ctx, tenantID, username)
}

// --- Routers ---

type mockRouters struct {
	getRouterFn   func(ctx context.Context, tenantID, routerID int64) (*model.Router, error)
	connectFn     func(ctx context.Context, router *model.Router) bool
	deprovisionFn func(ctx context.Context, router *model.Router, tenantID int64, username string) model.ProvisionResult
	sessionsFn    func(ctx context.Context, router *model.Router) ([]model.ActiveSession, error)
	disconnectFn  func(ctx context.Context, router *model.Router, sessionID string) error
}

func (m *mockRouters) GetRouter(ctx context.Context, tenantID, routerID int64) (*model.Router, error) {
	return m.getRouterFn(ctx, tenantID, routerID)
}

func (m *mockRouters) ConnectRouter(ctx context.Context, router *model.Router) bool {
	return m.connectFn(ctx, router)
}

func (m *mockRouters) DeprovisionUser(ctx context.Context, router *model.Router, tenantID int64, username string) model.ProvisionResult {
	return m.deprovisionFn(ctx, router, tenantID, username)
}

func (m *mockRouters) GetActiveSessions(ctx context.Context, router *model.Router) ([]model.ActiveSession, error) {
	return m.sessionsFn(ctx, router)
}

func (m *mockRouters) DisconnectSession(ctx context.Context, router *model.Router, sessionID string) error {
	return m.disconnectFn(ctx, router, sessionID)
}

type mockReconciler struct {
	syncOneFn func(ctx context.Context, router *model.Router) (*model.RouterSyncResult, error)
}

func (m *mockReconciler) SyncOne(ctx context.Context, router *model.Router) (*model.RouterSyncResult, error) {
	return m.syncOneFn(ctx, router)
}

// --- Sync ---

type mockSync struct {
	handleFn    func(ctx context.Context, ev model.LifecycleEvent) (*model.SyncOutcome, error)
	enqueueFn   func(ctx context.Context, ev model.LifecycleEvent) (*model.SyncJob, error)
	provisionFn func(ctx context.Context, tenantID, routerID int64, username string) (model.ProvisionResult, error)
	migrateFn   func(ctx context.Context, tenantID, packageID int64, dryRun, async bool) (*model.PoolMigration, error)
}

func (m *mockSync) HandleEvent(ctx context.Context, ev model.LifecycleEvent) (*model.SyncOutcome, error) {
	return m.handleFn(ctx, ev)
}

func (m *mockSync) Enqueue(ctx context.Context, ev model.LifecycleEvent) (*model.SyncJob, error) {
	return m.enqueueFn(ctx, ev)
}

func (m *mockSync) ProvisionOnRouter(ctx context.Context, tenantID, routerID int64, username string) (model.ProvisionResult, error) {
	return m.provisionFn(ctx, tenantID, routerID, username)
}

func (m *mockSync) MigratePackagePool(ctx context.Context, tenantID, packageID int64, dryRun, async bool) (*model.PoolMigration, error) {
	return m.migrateFn(ctx, tenantID, packageID, dryRun, async)
}

type mockDead struct {
	listFn    func(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error)
	requeueFn func(ctx context.Context, tenantID, jobID int64) (*model.SyncJob, error)
}

func (m *mockDead) ListDead(ctx context.Context, tenantID int64, limit int) ([]*model.SyncJob, error) {
	return m.listFn(ctx, tenantID, limit)
}

func (m *mockDead) Requeue(ctx context.Context, tenantID, jobID int64) (*model.SyncJob, error) {
	return m.requeueFn(ctx, tenantID, jobID)
}

type staticChecker struct {
	status, message string
}

func (c staticChecker) CheckReady() (string, string) {
	return c.status, c.message
}
