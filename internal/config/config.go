// Пакет config — загрузка и валидация конфигурации NetSync Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// CronParser — парсер cron-выражений с секундами. Используется и при
// валидации конфигурации, и планировщиком.
var CronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// DBConfig — параметры подключения к одной базе PostgreSQL.
type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	// Режим SSL: disable, require, verify-ca, verify-full
	SSLMode string
	// Верхняя граница пула pgxpool
	MaxConns int32
}

// DSN возвращает строку подключения в формате key=value для pgxpool.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// URL возвращает строку подключения в формате postgres://.
func (d DBConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// Config содержит все параметры конфигурации NetSync Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8030-8039)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Основная БД: пулы адресов, зеркало роутеров, очередь синхронизации,
	// read-модель абонентов и тарифов.
	DB DBConfig
	// БД FreeRADIUS (radcheck, radreply, radacct). Если NS_RADIUS_DB_HOST
	// не задан, совпадает с основной.
	RadiusDB DBConfig
	// true, если RADIUS-таблицы живут в отдельной базе
	radiusSeparate bool

	// --- Устройства (MikroTik REST API) ---

	// Таймаут одного вызова API устройства
	DeviceTimeout time.Duration
	// Допустимая частота запросов к одному роутеру (запросов в секунду)
	DeviceRateLimit float64
	// Размер всплеска запросов к одному роутеру
	DeviceRateBurst int
	// Схема URL API устройства (http, https)
	DeviceScheme string
	// Путь к CA-сертификату для https API устройств (опционально)
	DeviceCACertPath string

	// --- Кэш профилей ---

	// Максимальное число подтверждённых профилей в кэше
	ProfileCacheSize int
	// Время жизни записи кэша профилей
	ProfileCacheTTL time.Duration

	// --- Очередь повторов ---

	// Интервал опроса очереди повторов
	RetryPollInterval time.Duration
	// Сколько заданий забирается за один опрос
	RetryBatchSize int
	// Число попыток до переноса задания в dead-letter
	RetryMaxAttempts int
	// Начальная задержка экспоненциального backoff
	RetryInitialBackoff time.Duration
	// Максимальная задержка экспоненциального backoff
	RetryMaxBackoff time.Duration

	// --- Планировщик ---

	// Cron-выражение сверки зеркала роутеров
	RouterSyncSchedule string
	// Cron-выражение полной сверки RADIUS
	RadiusSweepSchedule string

	// --- JWT ---

	// URL JWKS endpoint. Пустое значение — режим доверенного шлюза
	// (tenant берётся из заголовка X-Tenant-ID).
	JWTJWKSURL string
	// Ожидаемый issuer (опционально)
	JWTIssuer string
	// Claim с идентификатором tenant
	JWTTenantClaim string

	// --- topologymetrics ---

	// Группа сервиса в topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// NS_PORT — порт HTTP-сервера (по умолчанию 8030)
	cfg.Port, err = getEnvInt("NS_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("NS_PORT: %w", err)
	}
	if cfg.Port < 8030 || cfg.Port > 8039 {
		return nil, fmt.Errorf("NS_PORT: значение %d вне допустимого диапазона 8030-8039", cfg.Port)
	}

	// NS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("NS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("NS_LOG_LEVEL: %w", err)
	}

	// NS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("NS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("NS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DB, err = loadDB("NS_DB")
	if err != nil {
		return nil, err
	}

	// NS_RADIUS_DB_* — отдельная БД FreeRADIUS (опционально)
	if os.Getenv("NS_RADIUS_DB_HOST") != "" {
		cfg.RadiusDB, err = loadDB("NS_RADIUS_DB")
		if err != nil {
			return nil, err
		}
		cfg.radiusSeparate = true
	} else {
		cfg.RadiusDB = cfg.DB
	}

	// --- Устройства ---

	// NS_DEVICE_TIMEOUT — таймаут вызова API устройства (по умолчанию 3s)
	cfg.DeviceTimeout, err = getEnvDuration("NS_DEVICE_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_DEVICE_TIMEOUT: %w", err)
	}
	if cfg.DeviceTimeout <= 0 {
		return nil, fmt.Errorf("NS_DEVICE_TIMEOUT: значение должно быть положительным")
	}

	// NS_DEVICE_RATE_LIMIT — запросов в секунду к одному роутеру (по умолчанию 10)
	cfg.DeviceRateLimit, err = getEnvFloat("NS_DEVICE_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("NS_DEVICE_RATE_LIMIT: %w", err)
	}
	if cfg.DeviceRateLimit <= 0 {
		return nil, fmt.Errorf("NS_DEVICE_RATE_LIMIT: значение должно быть положительным")
	}

	// NS_DEVICE_RATE_BURST — всплеск запросов (по умолчанию 20)
	cfg.DeviceRateBurst, err = getEnvInt("NS_DEVICE_RATE_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("NS_DEVICE_RATE_BURST: %w", err)
	}
	if cfg.DeviceRateBurst < 1 {
		return nil, fmt.Errorf("NS_DEVICE_RATE_BURST: значение %d должно быть не меньше 1", cfg.DeviceRateBurst)
	}

	// NS_DEVICE_SCHEME — схема API устройства (по умолчанию http)
	cfg.DeviceScheme = getEnvDefault("NS_DEVICE_SCHEME", "http")
	if cfg.DeviceScheme != "http" && cfg.DeviceScheme != "https" {
		return nil, fmt.Errorf("NS_DEVICE_SCHEME: недопустимое значение %q, допустимые: http, https", cfg.DeviceScheme)
	}

	// NS_DEVICE_CA_CERT_PATH — путь к CA-сертификату (опционально)
	cfg.DeviceCACertPath = getEnvDefault("NS_DEVICE_CA_CERT_PATH", "")

	// --- Кэш профилей ---

	// NS_PROFILE_CACHE_SIZE — размер кэша профилей (по умолчанию 1024)
	cfg.ProfileCacheSize, err = getEnvInt("NS_PROFILE_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("NS_PROFILE_CACHE_SIZE: %w", err)
	}
	if cfg.ProfileCacheSize < 1 || cfg.ProfileCacheSize > 100000 {
		return nil, fmt.Errorf("NS_PROFILE_CACHE_SIZE: значение %d вне допустимого диапазона 1-100000", cfg.ProfileCacheSize)
	}

	// NS_PROFILE_CACHE_TTL — время жизни записи (по умолчанию 5m)
	cfg.ProfileCacheTTL, err = getEnvDuration("NS_PROFILE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NS_PROFILE_CACHE_TTL: %w", err)
	}

	// --- Очередь повторов ---

	// NS_RETRY_POLL_INTERVAL — интервал опроса очереди (по умолчанию 10s)
	cfg.RetryPollInterval, err = getEnvDuration("NS_RETRY_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_RETRY_POLL_INTERVAL: %w", err)
	}

	// NS_RETRY_BATCH_SIZE — заданий за опрос (по умолчанию 50)
	cfg.RetryBatchSize, err = getEnvInt("NS_RETRY_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("NS_RETRY_BATCH_SIZE: %w", err)
	}
	if cfg.RetryBatchSize < 1 || cfg.RetryBatchSize > 1000 {
		return nil, fmt.Errorf("NS_RETRY_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.RetryBatchSize)
	}

	// NS_RETRY_MAX_ATTEMPTS — попыток до dead-letter (по умолчанию 8)
	cfg.RetryMaxAttempts, err = getEnvInt("NS_RETRY_MAX_ATTEMPTS", 8)
	if err != nil {
		return nil, fmt.Errorf("NS_RETRY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("NS_RETRY_MAX_ATTEMPTS: значение %d должно быть не меньше 1", cfg.RetryMaxAttempts)
	}

	// NS_RETRY_INITIAL_BACKOFF — начальная задержка (по умолчанию 30s)
	cfg.RetryInitialBackoff, err = getEnvDuration("NS_RETRY_INITIAL_BACKOFF", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_RETRY_INITIAL_BACKOFF: %w", err)
	}

	// NS_RETRY_MAX_BACKOFF — максимальная задержка (по умолчанию 30m)
	cfg.RetryMaxBackoff, err = getEnvDuration("NS_RETRY_MAX_BACKOFF", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NS_RETRY_MAX_BACKOFF: %w", err)
	}
	if cfg.RetryMaxBackoff < cfg.RetryInitialBackoff {
		return nil, fmt.Errorf("NS_RETRY_MAX_BACKOFF: значение %s меньше NS_RETRY_INITIAL_BACKOFF (%s)",
			cfg.RetryMaxBackoff, cfg.RetryInitialBackoff)
	}

	// --- Планировщик ---

	// NS_ROUTER_SYNC_SCHEDULE — сверка зеркала роутеров (по умолчанию каждые 15 минут)
	cfg.RouterSyncSchedule, err = getEnvCron("NS_ROUTER_SYNC_SCHEDULE", "0 */15 * * * *")
	if err != nil {
		return nil, err
	}

	// NS_RADIUS_SWEEP_SCHEDULE — полная сверка RADIUS (по умолчанию ежедневно в 03:30)
	cfg.RadiusSweepSchedule, err = getEnvCron("NS_RADIUS_SWEEP_SCHEDULE", "0 30 3 * * *")
	if err != nil {
		return nil, err
	}

	// --- JWT ---

	// NS_JWT_JWKS_URL — JWKS IdP (опционально)
	cfg.JWTJWKSURL = getEnvDefault("NS_JWT_JWKS_URL", "")

	// NS_JWT_ISSUER — ожидаемый issuer (опционально)
	cfg.JWTIssuer = getEnvDefault("NS_JWT_ISSUER", "")

	// NS_JWT_TENANT_CLAIM — claim с tenant (по умолчанию tenant_id)
	cfg.JWTTenantClaim = getEnvDefault("NS_JWT_TENANT_CLAIM", "tenant_id")

	// --- topologymetrics ---

	// NS_DEPHEALTH_GROUP — группа сервиса (по умолчанию netsync)
	cfg.DephealthGroup = getEnvDefault("NS_DEPHEALTH_GROUP", "netsync")

	// NS_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("NS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// NS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("NS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к основной БД.
func (c *Config) DatabaseDSN() string {
	return c.DB.DSN()
}

// DatabaseURL возвращает URL основной БД (для topologymetrics).
func (c *Config) DatabaseURL() string {
	return c.DB.URL()
}

// RadiusDSN возвращает строку подключения к БД FreeRADIUS.
func (c *Config) RadiusDSN() string {
	return c.RadiusDB.DSN()
}

// RadiusURL возвращает URL БД FreeRADIUS.
func (c *Config) RadiusURL() string {
	return c.RadiusDB.URL()
}

// RadiusSeparate сообщает, вынесены ли RADIUS-таблицы в отдельную БД.
func (c *Config) RadiusSeparate() bool {
	return c.radiusSeparate
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadDB читает параметры подключения с заданным префиксом (NS_DB, NS_RADIUS_DB).
func loadDB(prefix string) (DBConfig, error) {
	var d DBConfig
	var err error

	if d.Host, err = getEnvRequired(prefix + "_HOST"); err != nil {
		return d, err
	}
	if d.Port, err = getEnvInt(prefix+"_PORT", 5432); err != nil {
		return d, fmt.Errorf("%s_PORT: %w", prefix, err)
	}
	if d.Name, err = getEnvRequired(prefix + "_NAME"); err != nil {
		return d, err
	}
	if d.User, err = getEnvRequired(prefix + "_USER"); err != nil {
		return d, err
	}
	if d.Password, err = getEnvRequired(prefix + "_PASSWORD"); err != nil {
		return d, err
	}

	d.SSLMode = getEnvDefault(prefix+"_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[d.SSLMode] {
		return d, fmt.Errorf("%s_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full",
			prefix, d.SSLMode)
	}

	maxConns, err := getEnvInt(prefix+"_MAX_CONNS", 10)
	if err != nil {
		return d, fmt.Errorf("%s_MAX_CONNS: %w", prefix, err)
	}
	if maxConns < 1 || maxConns > 200 {
		return d, fmt.Errorf("%s_MAX_CONNS: значение %d вне диапазона 1-200", prefix, maxConns)
	}
	d.MaxConns = int32(maxConns)
	return d, nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает дробное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvCron возвращает cron-выражение (с секундами) и проверяет его разбором.
func getEnvCron(key, defaultVal string) (string, error) {
	val := getEnvDefault(key, defaultVal)
	if _, err := CronParser.Parse(val); err != nil {
		return "", fmt.Errorf("%s: некорректное cron-выражение %q: %w", key, val, err)
	}
	return val, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
