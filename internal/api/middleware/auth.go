// auth.go — определение tenant запроса.
//
// Два режима:
//   - JWT: подпись проверяется по JWKS платформенного IdP, tenant берётся
//     из claim (по умолчанию tenant_id)
//   - доверенный шлюз (JWKS не задан): аутентификацию выполнил API Gateway,
//     tenant берётся из заголовка X-Tenant-ID
//
// Tenant помещается в контекст запроса; handlers не принимают tenant
// из тела или параметров запроса.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/netsync/internal/api/errors"
)

// TenantHeader — заголовок с tenant в режиме доверенного шлюза.
const TenantHeader = "X-Tenant-ID"

const (
	jwksRefreshInterval = 5 * time.Minute
	jwksClientTimeout   = 10 * time.Second
	jwtLeeway           = 30 * time.Second
)

type contextKey string

const contextKeyTenant contextKey = "tenant_id"

// TenantAuth — middleware определения tenant.
type TenantAuth struct {
	// jwks == nil — режим доверенного шлюза
	jwks        keyfunc.Keyfunc
	issuer      string
	tenantClaim string
	logger      *slog.Logger
}

// NewTenantAuth создаёт middleware. Пустой jwksURL включает режим
// доверенного шлюза.
func NewTenantAuth(jwksURL, issuer, tenantClaim string, logger *slog.Logger) (*TenantAuth, error) {
	logger = logger.With(slog.String("component", "tenant_auth"))
	if jwksURL == "" {
		logger.Warn("JWKS не задан, tenant берётся из заголовка " + TenantHeader)
		return &TenantAuth{tenantClaim: tenantClaim, logger: logger}, nil
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: jwksClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &TenantAuth{jwks: k, issuer: issuer, tenantClaim: tenantClaim, logger: logger}, nil
}

// NewTenantAuthWithKeyfunc создаёт middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewTenantAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer, tenantClaim string, logger *slog.Logger) *TenantAuth {
	return &TenantAuth{
		jwks:        kf,
		issuer:      issuer,
		tenantClaim: tenantClaim,
		logger:      logger.With(slog.String("component", "tenant_auth")),
	}
}

// TrustedGateway сообщает, работает ли middleware в режиме доверенного шлюза.
func (a *TenantAuth) TrustedGateway() bool {
	return a.jwks == nil
}

// Middleware возвращает HTTP middleware, помещающий tenant в контекст.
func (a *TenantAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				tenantID int64
				msg      string
			)
			if a.jwks == nil {
				tenantID, msg = tenantFromHeader(r)
			} else {
				tenantID, msg = a.tenantFromToken(r)
			}
			if msg != "" {
				apierrors.Unauthorized(w, msg)
				return
			}
			noteTenant(w, tenantID)
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}

func tenantFromHeader(r *http.Request) (int64, string) {
	raw := r.Header.Get(TenantHeader)
	if raw == "" {
		return 0, "Отсутствует заголовок " + TenantHeader
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, "Некорректный " + TenantHeader
	}
	return id, ""
}

func (a *TenantAuth) tenantFromToken(r *http.Request) (int64, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return 0, "Отсутствует заголовок Authorization"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return 0, "Неверный формат Authorization: ожидается Bearer <token>"
	}

	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(jwtLeeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(parts[1], claims, a.jwks.KeyfuncCtx(r.Context()), opts...)
	if err != nil || !token.Valid {
		a.logger.Debug("JWT валидация не пройдена",
			slog.Any("error", err),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return 0, "Невалидный или просроченный токен"
	}

	id, ok := claimInt64(claims[a.tenantClaim])
	if !ok {
		return 0, "В токене нет claim " + a.tenantClaim
	}
	return id, ""
}

// claimInt64 разбирает числовой идентификатор из claim: JSON-число или строка.
func claimInt64(v any) (int64, bool) {
	var id int64
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		id = int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		id = n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		id = n
	default:
		return 0, false
	}
	return id, id > 0
}

// WithTenant возвращает контекст с tenant.
func WithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, contextKeyTenant, tenantID)
}

// TenantFromContext извлекает tenant из контекста запроса.
func TenantFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKeyTenant).(int64)
	return id, ok
}

// --- ReadinessChecker для IdP ---

// JWKSReadinessChecker — проверка доступности JWKS endpoint IdP.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности JWKS.
func NewJWKSReadinessChecker(jwksURL string, timeout time.Duration) *JWKSReadinessChecker {
	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckReady проверяет, что JWKS отвечает и содержит ключи.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return "fail", "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return "fail", fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
