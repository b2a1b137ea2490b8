// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден или принадлежит другому tenant.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrTenantMismatch — роутер и абонент принадлежат разным tenant.
	ErrTenantMismatch = errors.New("роутер и абонент принадлежат разным tenant")
	// ErrRouterInactive — роутер отключён администратором.
	ErrRouterInactive = errors.New("роутер неактивен")
	// ErrDeviceUnavailable — API роутера недоступно или вернуло ошибку.
	ErrDeviceUnavailable = errors.New("API роутера недоступно")
	// ErrInProgress — над парой роутер/абонент уже выполняется операция.
	ErrInProgress = errors.New("операция над абонентом уже выполняется")
)
