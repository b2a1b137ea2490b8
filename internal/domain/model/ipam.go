package model

import (
	"net/netip"
	"time"
)

// Статусы пулов и подсетей.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Назначение пула адресов.
const (
	PoolPurposePublic  = "public"
	PoolPurposePrivate = "private"
)

// Статусы выделения адреса.
const (
	AllocationAllocated = "allocated"
	AllocationReleased  = "released"
)

// IPPool — именованный пул адресов одного tenant.
// Хранится в таблице ip_pools.
type IPPool struct {
	ID       int64
	TenantID int64
	Name     string
	// Purpose — public или private
	Purpose string
	// StartIP/EndIP — необязательный ориентировочный диапазон пула
	StartIP *netip.Addr
	EndIP   *netip.Addr
	// Status — active или inactive; неактивный пул не выдаёт адресов
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IPSubnet — CIDR-блок внутри пула, единица выделения адресов.
// Хранится в таблице ip_subnets.
type IPSubnet struct {
	ID     int64
	PoolID int64
	// Network — адрес сети (каноничный, без битов хоста)
	Network      netip.Addr
	PrefixLength int
	Gateway      *netip.Addr
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Prefix возвращает подсеть как netip.Prefix.
func (s *IPSubnet) Prefix() netip.Prefix {
	return netip.PrefixFrom(s.Network, s.PrefixLength)
}

// SubnetScope — подсеть вместе с владельцем пула.
// Используется для проверки tenant и статуса перед выделением.
type SubnetScope struct {
	Subnet     IPSubnet
	TenantID   int64
	PoolStatus string
}

// Assignee — кому выдаётся адрес: MAC и/или логин.
type Assignee struct {
	MACAddress string
	Username   string
}

// IPAllocation — выдача адреса абоненту.
// Хранится в таблице ip_allocations. Запись с ReleasedAt == nil активна.
type IPAllocation struct {
	ID          int64
	SubnetID    int64
	IPAddress   netip.Addr
	MACAddress  string
	Username    string
	Status      string
	AllocatedAt time.Time
	ReleasedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active сообщает, удерживается ли адрес.
func (a *IPAllocation) Active() bool {
	return a.ReleasedAt == nil
}

// AllocationHistoryEntry — запись журнала изменений выделения.
// Журнал только дополняется.
type AllocationHistoryEntry struct {
	ID           int64
	AllocationID int64
	SubnetID     int64
	IPAddress    netip.Addr
	MACAddress   string
	Username     string
	// Action — allocated или released
	Action    string
	CreatedAt time.Time
}

// PoolUtilization — заполненность пула.
type PoolUtilization struct {
	PoolID int64
	// Total — сумма пригодных адресов всех подсетей пула
	Total int64
	// Allocated — число активных выделений
	Allocated int64
	// Available — Total - Allocated
	Available int64
	// UtilizationPercent — Allocated/Total*100, округлено до 2 знаков
	UtilizationPercent float64
}
