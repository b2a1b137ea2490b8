package model

import "time"

// Статусы записи зеркала PPP secret.
const (
	MirrorSynced   = "synced"
	MirrorInactive = "inactive"
)

// Router — управляемый роутер MikroTik.
// Хранится в таблице mikrotik_routers.
type Router struct {
	ID        int64
	TenantID  int64
	Name      string
	IPAddress string
	APIPort   int
	Username  string
	Password  string
	Status    string
	// LastSeenAt — время последнего успешного обращения к API
	LastSeenAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive сообщает, разрешены ли вызовы API роутера.
func (r *Router) IsActive() bool {
	return r.Status == StatusActive
}

// PPPoEUser — строка локального зеркала PPP secret на роутере.
// Кэш последнего известного состояния, не источник истины.
type PPPoEUser struct {
	ID           int64
	RouterID     int64
	Username     string
	Profile      string
	Service      string
	Status       string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActiveSession — активная PPP-сессия на роутере.
type ActiveSession struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Service  string `json:"service"`
	CallerID string `json:"caller_id"`
	Address  string `json:"address"`
	Uptime   string `json:"uptime"`
}

// ProvisionResult — итог операции над роутером.
// Message и Error безопасны для показа оператору.
type ProvisionResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Username string `json:"username"`
	Profile  string `json:"profile,omitempty"`
	Error    string `json:"error,omitempty"`
	// Retryable — отказ устройства или хранилища; отказ до обращения к
	// устройству (чужой tenant, неактивный роутер) повтором не исправить
	Retryable bool `json:"retryable,omitempty"`
}

// RouterSyncResult — итог сверки зеркала с роутером.
type RouterSyncResult struct {
	RouterID int64 `json:"router_id"`
	// Synced — secrets, найденные на устройстве
	Synced int64 `json:"synced"`
	// Deactivated — строки зеркала, отсутствующие на устройстве
	Deactivated int64     `json:"deactivated"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
