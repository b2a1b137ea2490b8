// migration.go — перенос абонентов тарифа в другой пул адресов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/repository"
)

// MigratePackagePool переносит абонентов тарифа в пул, который тарифу
// назначен в биллинге. Абонентам без адреса в этом пуле выделяется новый
// адрес, прежний освобождается, RADIUS и роутер сводятся тем же путём,
// что и событие package_changed.
//
// Перед переносом проверяется ёмкость пула: нехватка адресов даёт
// ErrConflict вместе с отчётом. dryRun — только проверка. async — события
// ставятся в очередь повторов, отчёт считает их в Queued.
// Отката нет: возврат тарифа к прежнему пулу и повторный перенос
// сводят абонентов обратно.
func (o *Orchestrator) MigratePackagePool(ctx context.Context, tenantID, packageID int64, dryRun, async bool) (*model.PoolMigration, error) {
	pkg, err := o.packages.GetByID(ctx, packageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение тарифа: %w", err)
	}
	if pkg.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if pkg.IPPoolID == nil {
		return nil, fmt.Errorf("%w: у тарифа %q не задан пул адресов", ErrValidation, pkg.Name)
	}

	users, err := o.users.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("абоненты tenant: %w", err)
	}

	report := &model.PoolMigration{PackageID: packageID, PoolID: *pkg.IPPoolID, DryRun: dryRun}
	var pending []*model.NetworkUser
	for _, u := range users {
		if u.PackageID == nil || *u.PackageID != packageID || !u.IsActive() || !NeedsDedicatedIP(u, pkg) {
			continue
		}
		report.Total++
		addr, err := o.ipam.DesiredAddress(ctx, u, pkg)
		if err != nil {
			return nil, err
		}
		if addr == nil {
			pending = append(pending, u)
		}
	}
	report.Pending = len(pending)

	util, err := o.ipam.GetPoolUtilization(ctx, tenantID, *pkg.IPPoolID)
	if err != nil {
		return nil, err
	}
	report.Available = util.Available
	if int64(len(pending)) > util.Available {
		return report, fmt.Errorf("%w: в пуле свободно адресов %d, нужно %d", ErrConflict, util.Available, len(pending))
	}
	if dryRun || len(pending) == 0 {
		return report, nil
	}

	for _, u := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ev := model.LifecycleEvent{
			Type:          model.EventPackageChanged,
			TenantID:      tenantID,
			NetworkUserID: u.ID,
			Username:      u.Username,
		}
		if async {
			if _, err := o.Enqueue(ctx, ev); err != nil {
				report.Failed = append(report.Failed, u.Username)
				continue
			}
			report.Queued++
			continue
		}

		out, err := o.HandleEvent(ctx, ev)
		switch {
		case err != nil:
			o.logger.Warn("Ошибка переноса абонента в пул",
				slog.Int64("tenant_id", tenantID),
				slog.String("username", u.Username),
				slog.String("error", err.Error()),
			)
			report.Failed = append(report.Failed, u.Username)
		case out.Queued:
			report.Queued++
		default:
			report.Migrated++
		}
	}

	o.logger.Info("Перенос абонентов тарифа в пул завершён",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("package_id", packageID),
		slog.Int64("pool_id", *pkg.IPPoolID),
		slog.Int("migrated", report.Migrated),
		slog.Int("queued", report.Queued),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}
