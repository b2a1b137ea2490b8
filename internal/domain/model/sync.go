package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType — тип события жизненного цикла абонента из биллинга.
type EventType string

const (
	EventUserCreated     EventType = "user_created"
	EventPackageChanged  EventType = "package_changed"
	EventUserRenewed     EventType = "user_renewed"
	EventUserSuspended   EventType = "user_suspended"
	EventUserReactivated EventType = "user_reactivated"
	EventUserDeleted     EventType = "user_deleted"
)

// Valid сообщает, известен ли тип события.
func (t EventType) Valid() bool {
	switch t {
	case EventUserCreated, EventPackageChanged, EventUserRenewed,
		EventUserSuspended, EventUserReactivated, EventUserDeleted:
		return true
	default:
		return false
	}
}

// LifecycleEvent — событие, запускающее синхронизацию абонента.
// Username и RouterID несут снимок на момент события: после удаления
// абонента в биллинге их больше неоткуда взять.
type LifecycleEvent struct {
	ID            uuid.UUID
	Type          EventType
	TenantID      int64
	NetworkUserID int64
	Username      string
	RouterID      *int64
}

// Шаги синхронизации.
const (
	StepAddress = "address"
	StepRadius  = "radius"
	StepRouter  = "router"
)

// StepOutcome — результат одного шага синхронизации.
type StepOutcome struct {
	Step    string `json:"step"`
	Success bool   `json:"success"`
	// Skipped — шаг не требовался (например, у абонента нет роутера)
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message"`
}

// SyncOutcome — итог обработки события.
type SyncOutcome struct {
	EventID  uuid.UUID     `json:"event_id"`
	Username string        `json:"username"`
	Steps    []StepOutcome `json:"steps"`
	// Queued — событие поставлено в очередь повторов
	Queued bool `json:"queued"`
}

// Converged сообщает, успешно ли выполнены все шаги.
func (o *SyncOutcome) Converged() bool {
	for _, s := range o.Steps {
		if !s.Success {
			return false
		}
	}
	return true
}

// FailedSteps возвращает сообщения неуспешных шагов.
func (o *SyncOutcome) FailedSteps() []string {
	var failed []string
	for _, s := range o.Steps {
		if !s.Success {
			failed = append(failed, s.Step+": "+s.Message)
		}
	}
	return failed
}

// Статусы задания в очереди повторов.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobDead    = "dead"
)

// SyncJob — задание очереди повторной синхронизации.
// Хранится в таблице sync_jobs.
type SyncJob struct {
	ID        int64
	Event     LifecycleEvent
	Status    string
	Attempts  int
	NextRunAt time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PoolMigration — итог переноса абонентов тарифа в пул тарифа.
// Total — активные абоненты тарифа, которым нужен выделенный адрес,
// Pending — те из них, у кого ещё нет адреса в пуле.
type PoolMigration struct {
	PackageID int64    `json:"package_id"`
	PoolID    int64    `json:"pool_id"`
	DryRun    bool     `json:"dry_run"`
	Total     int      `json:"total"`
	Pending   int      `json:"pending"`
	Available int64    `json:"available"`
	Migrated  int      `json:"migrated"`
	Queued    int      `json:"queued"`
	Failed    []string `json:"failed,omitempty"`
}
