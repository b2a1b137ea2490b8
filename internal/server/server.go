// Пакет server — HTTP-сервер NetSync Module: сборка маршрутов и
// остановка по контексту. TLS завершается на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/netsync/internal/api/handlers"
	"github.com/bigkaa/netsync/internal/api/middleware"
	"github.com/bigkaa/netsync/internal/config"
)

// Server — HTTP-сервер NetSync Module.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// Health и metrics доступны без определения tenant: их проверяет
// Kubernetes напрямую, без API Gateway.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, tenantAuth *middleware.TenantAuth) *Server {
	// Запись ответа ограничена сверху вызовами роутеров: синхронное
	// событие проходит до трёх шагов с таймаутом устройства каждый.
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewRouter(logger, handler, tenantAuth),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30*time.Second + 3*cfg.DeviceTimeout,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(slog.String("component", "http_server")),
	}
}

// NewRouter собирает chi-роутер со всеми маршрутами.
func NewRouter(logger *slog.Logger, handler *handlers.APIHandler, tenantAuth *middleware.TenantAuth) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(tenantAuth.Middleware())
		handler.Routes(r)
	})

	return router
}

// Run обслуживает запросы до отмены ctx или ошибки listener.
// После отмены новые соединения не принимаются, начатые запросы
// дорабатывают в пределах NS_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ошибка HTTP-сервера: %w", err)
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения, останавливаем HTTP-сервер",
			slog.String("timeout", s.shutdownTimeout.String()),
		)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
