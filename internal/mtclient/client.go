// Пакет mtclient — HTTP-клиент REST API роутеров MikroTik.
// Поддерживает TLS с кастомным CA (NS_DEVICE_CA_CERT_PATH).
//
// Операции: Health (GET /health), PPP secret add/set/remove/print,
// PPP profile print/add/set, PPP active print/remove.
//
// Каждый вызов ограничен таймаутом, запросы к одному роутеру
// ограничены по частоте. Тексты ошибок не содержат тел ответов
// устройства: в них могут оказаться учётные данные.
package mtclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// deviceCallDuration — длительность вызовов API роутеров.
var deviceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "netsync_module_device_call_duration_seconds",
	Help:    "Длительность вызовов API роутеров",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms … ~10s
}, []string{"op", "outcome"}) // outcome: ok, error, timeout

var (
	// ErrNotFound — объект отсутствует на устройстве (HTTP 404).
	ErrNotFound = errors.New("объект не найден на устройстве")
	// ErrAlreadyExists — объект уже существует на устройстве (HTTP 409).
	ErrAlreadyExists = errors.New("объект уже существует на устройстве")
	// ErrRejected — устройство ответило 2xx с success=false.
	ErrRejected = errors.New("устройство отклонило запрос")
)

// Target — адрес и учётные данные API одного роутера.
type Target struct {
	RouterID int64
	Host     string
	Port     int
	Username string
	Password string
}

// Secret — PPP secret на роутере. RemoteAddress — выделенный абоненту IP
// (пусто, если адрес выдаёт пул профиля), CallerID — MAC абонента.
type Secret struct {
	ID            string `json:"id,omitempty"`
	Username      string `json:"username"`
	Password      string `json:"password,omitempty"`
	Profile       string `json:"profile,omitempty"`
	Service       string `json:"service,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
	RemoteAddress string `json:"remote_address,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
}

// Profile — PPP profile на роутере.
type Profile struct {
	Name           string `json:"name"`
	RateLimit      string `json:"rate_limit,omitempty"`
	LocalAddress   string `json:"local_address,omitempty"`
	RemoteAddress  string `json:"remote_address,omitempty"`
	SessionTimeout string `json:"session_timeout,omitempty"`
}

// Session — активная PPP-сессия.
type Session struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Service  string `json:"service,omitempty"`
	CallerID string `json:"caller_id,omitempty"`
	Address  string `json:"address"`
	Uptime   string `json:"uptime"`
}

// APIError — ответ устройства с не-2xx статусом.
type APIError struct {
	Op     string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: устройство вернуло статус %d", e.Op, e.Status)
}

// Unwrap сопоставляет 404 и 409 с ErrNotFound и ErrAlreadyExists.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyExists
	default:
		return nil
	}
}

// IsTimeout сообщает, вызвана ли ошибка истечением таймаута.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Options — параметры клиента.
type Options struct {
	// Scheme — http или https
	Scheme string
	// Timeout — таймаут одного вызова
	Timeout time.Duration
	// CACertPath — CA-сертификат для https (пустая строка — системный пул)
	CACertPath string
	// RateLimit — запросов в секунду к одному роутеру (0 — без ограничения)
	RateLimit float64
	// RateBurst — всплеск запросов к одному роутеру
	RateBurst int
}

// Client — HTTP-клиент API роутеров.
type Client struct {
	httpClient *http.Client
	scheme     string
	timeout    time.Duration
	rateLimit  rate.Limit
	rateBurst  int
	logger     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New создаёт клиент API роутеров.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 1
	}

	httpClient := &http.Client{Timeout: opts.Timeout}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата устройств: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат устройств добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Client{
		httpClient: httpClient,
		scheme:     opts.Scheme,
		timeout:    opts.Timeout,
		rateLimit:  limit,
		rateBurst:  opts.RateBurst,
		logger:     logger.With(slog.String("component", "mt_client")),
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// Health проверяет доступность API роутера.
// GET /health → {"status": "ok"}.
func (c *Client) Health(ctx context.Context, t Target) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, t, http.MethodGet, "/health", "Health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("Health: устройство сообщило статус %q", resp.Status)
	}
	return nil
}

// AddSecret создаёт PPP secret. Возвращает идентификатор на устройстве.
// POST /api/ppp/secret/add.
func (c *Client) AddSecret(ctx context.Context, t Target, s Secret) (string, error) {
	var resp struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	if err := c.do(ctx, t, http.MethodPost, "/api/ppp/secret/add", "AddSecret", s, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("AddSecret: %w", ErrRejected)
	}
	return resp.ID, nil
}

// SetSecret обновляет существующий PPP secret по логину.
// POST /api/ppp/secret/set.
func (c *Client) SetSecret(ctx context.Context, t Target, s Secret) error {
	return c.doSuccess(ctx, t, "/api/ppp/secret/set", "SetSecret", s)
}

// RemoveSecret удаляет PPP secret по логину.
// POST /api/ppp/secret/remove. Отсутствующий secret даёт ErrNotFound.
func (c *Client) RemoveSecret(ctx context.Context, t Target, username string) error {
	body := map[string]string{"username": username}
	return c.doSuccess(ctx, t, "/api/ppp/secret/remove", "RemoveSecret", body)
}

// ListSecrets возвращает все PPP secrets роутера.
// GET /api/ppp/secret/print.
func (c *Client) ListSecrets(ctx context.Context, t Target) ([]Secret, error) {
	var resp struct {
		Success bool     `json:"success"`
		Secrets []Secret `json:"secrets"`
	}
	if err := c.do(ctx, t, http.MethodGet, "/api/ppp/secret/print", "ListSecrets", nil, &resp); err != nil {
		return nil, err
	}
	// Ответ с success=false — не пустой список, а отказ.
	if !resp.Success {
		return nil, fmt.Errorf("ListSecrets: %w", ErrRejected)
	}
	return resp.Secrets, nil
}

// GetProfile ищет PPP profile по имени.
// GET /api/ppp/profile/print?name=... Отсутствующий профиль даёт ErrNotFound.
func (c *Client) GetProfile(ctx context.Context, t Target, name string) (*Profile, error) {
	var resp struct {
		Success  bool      `json:"success"`
		Profiles []Profile `json:"profiles"`
	}
	path := "/api/ppp/profile/print?name=" + url.QueryEscape(name)
	if err := c.do(ctx, t, http.MethodGet, path, "GetProfile", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("GetProfile: %w", ErrRejected)
	}
	for i := range resp.Profiles {
		if resp.Profiles[i].Name == name {
			return &resp.Profiles[i], nil
		}
	}
	return nil, &APIError{Op: "GetProfile", Status: http.StatusNotFound}
}

// AddProfile создаёт PPP profile.
// POST /api/ppp/profile/add.
func (c *Client) AddProfile(ctx context.Context, t Target, p Profile) error {
	return c.doSuccess(ctx, t, "/api/ppp/profile/add", "AddProfile", p)
}

// SetProfile обновляет PPP profile по имени.
// POST /api/ppp/profile/set.
func (c *Client) SetProfile(ctx context.Context, t Target, p Profile) error {
	return c.doSuccess(ctx, t, "/api/ppp/profile/set", "SetProfile", p)
}

// ActiveSessions возвращает активные PPP-сессии.
// GET /api/ppp/active/print.
func (c *Client) ActiveSessions(ctx context.Context, t Target) ([]Session, error) {
	var resp struct {
		Success  bool      `json:"success"`
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, t, http.MethodGet, "/api/ppp/active/print", "ActiveSessions", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("ActiveSessions: %w", ErrRejected)
	}
	return resp.Sessions, nil
}

// RemoveSession принудительно завершает сессию по идентификатору.
// POST /api/ppp/active/remove.
func (c *Client) RemoveSession(ctx context.Context, t Target, sessionID string) error {
	body := map[string]string{"id": sessionID}
	return c.doSuccess(ctx, t, "/api/ppp/active/remove", "RemoveSession", body)
}

// doSuccess выполняет POST и проверяет поле success ответа.
func (c *Client) doSuccess(ctx context.Context, t Target, path, op string, body any) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, t, http.MethodPost, path, op, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %w", op, ErrRejected)
	}
	return nil
}

// do выполняет запрос к API роутера с таймаутом и ограничением частоты.
func (c *Client) do(ctx context.Context, t Target, method, path, op string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter(t).Wait(ctx); err != nil {
		return fmt.Errorf("%s: ожидание лимита запросов: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: кодирование запроса: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(t)+path, reader)
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(t.Username, t.Password)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome := "error"
		if IsTimeout(err) {
			outcome = "timeout"
		}
		deviceCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
		return fmt.Errorf("запрос %s к роутеру %d: %w", op, t.RouterID, err)
	}
	defer resp.Body.Close()

	outcome := "ok"
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "error"
	}
	deviceCallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())

	c.logger.Debug("Вызов API роутера",
		slog.Int64("router_id", t.RouterID),
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Тело ответа не попадает в ошибку
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &APIError{Op: op, Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("декодирование ответа %s от роутера %d: %w", op, t.RouterID, err)
	}
	return nil
}

// limiter возвращает ограничитель частоты для роутера.
func (c *Client) limiter(t Target) *rate.Limiter {
	key := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.rateLimit, c.rateBurst)
		c.limiters[key] = l
	}
	return l
}

// baseURL формирует адрес API роутера.
func (c *Client) baseURL(t Target) string {
	return c.scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
