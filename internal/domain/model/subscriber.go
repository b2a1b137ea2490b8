package model

import "time"

// Тип подключения абонента.
const (
	ServicePPPoE   = "pppoe"
	ServiceHotspot = "hotspot"
	ServiceStatic  = "static"
)

// Статусы абонента в биллинге.
const (
	UserActive    = "active"
	UserSuspended = "suspended"
	UserExpired   = "expired"
	UserInactive  = "inactive"
)

// Package — тарифный план. Владелец — биллинг, движок только читает.
// Хранится в таблице packages.
type Package struct {
	ID       int64
	TenantID int64
	// Name — имя тарифа, оно же имя PPP-профиля на роутере
	Name string
	// BandwidthUp/BandwidthDown — скорость в кбит/с
	BandwidthUp   int
	BandwidthDown int
	// SessionTimeout — лимит сессии в секундах (опционально)
	SessionTimeout *int
	// IPPoolID — пул для выделенных адресов (опционально)
	IPPoolID  *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NetworkUser — абонент. Владелец — биллинг, движок только читает.
// Хранится в таблице network_users.
type NetworkUser struct {
	ID          int64
	TenantID    int64
	Username    string
	Password    string
	ServiceType string
	PackageID   *int64
	RouterID    *int64
	MACAddress  string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsActive сообщает, должен ли абонент иметь доступ к сети.
func (u *NetworkUser) IsActive() bool {
	return u.Status == UserActive
}
