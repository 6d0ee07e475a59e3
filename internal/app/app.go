package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/httpapi"
	"github.com/bengobox/tenancy-service/internal/httpapi/handlers"
	httpmiddleware "github.com/bengobox/tenancy-service/internal/httpapi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App wires core dependencies and exposes server lifecycle controls.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	core       *Core
	httpServer *http.Server
}

// New constructs the application.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	core, err := NewCore(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	authMiddleware := httpmiddleware.NewAuth(core.Tokens)
	metrics := httpmiddleware.NewMetrics(prometheus.DefaultRegisterer)
	adminHandler := handlers.NewAdminHandler(core.Tenants, core.Keys, core.Sweeper, core.Audit, logger)
	complianceHandler := handlers.NewComplianceHandler(core.Compliance, logger)
	accountHandler := handlers.NewAccountHandler(core.Accounts, core.Tokens, logger)
	notificationHandler := handlers.NewNotificationHandler(core.Notifications, logger)
	auditHandler := handlers.NewAuditHandler(core.Audit, logger)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		HealthHandler:      handlers.Health,
		ReadyHandler:       handlers.Ready(core.Pool),
		MetricsHandler:     promhttp.Handler(),
		MetricsMiddleware:  metrics.Handler,
		RequireAdmin:       authMiddleware.RequireAdmin,
		Identify:           authMiddleware.Identify,
		RequireTenant:      authMiddleware.RequireTenant,
		RequireTenantAdmin: authMiddleware.RequireTenantAdmin,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		Admin: httpapi.AdminHandlers{
			CreateTenant:   adminHandler.CreateTenant,
			ListTenants:    adminHandler.ListTenants,
			DeleteTenant:   adminHandler.DeleteTenant,
			PurgeTenant:    adminHandler.PurgeTenant,
			RotateKeys:     adminHandler.RotateKeys,
			ListKeys:       adminHandler.ListKeys,
			SweepRetention: adminHandler.SweepRetention,
		},
		Compliance: httpapi.ComplianceHandlers{
			RecordConsent:  complianceHandler.RecordConsent,
			CheckConsent:   complianceHandler.CheckConsent,
			RevokeConsent:  complianceHandler.RevokeConsent,
			CreateRequest:  complianceHandler.CreateRequest,
			UpdateRequest:  complianceHandler.UpdateRequest,
			ExportUserData: complianceHandler.ExportUserData,
			DeleteUserData: complianceHandler.DeleteUserData,
		},
		Accounts: httpapi.AccountHandlers{
			Create: accountHandler.Create,
			List:   accountHandler.List,
			Get:    accountHandler.Get,
			Update: accountHandler.Update,
			Delete: accountHandler.Delete,
			Login:  accountHandler.Login,
		},
		Notifications: httpapi.NotificationHandlers{
			Create:      notificationHandler.Create,
			List:        notificationHandler.List,
			UnreadCount: notificationHandler.UnreadCount,
			Get:         notificationHandler.Get,
			Update:      notificationHandler.Update,
			Delete:      notificationHandler.Delete,
		},
		AuditList: auditHandler.List,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		core:       core,
		httpServer: server,
	}, nil
}

// Run starts the HTTP server.
func (a *App) Run() error {
	a.logger.Info("starting HTTP server", zap.String("addr", a.httpServer.Addr))
	return a.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and closes resources.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownErr := a.httpServer.Shutdown(ctx)
	a.core.Close()
	return shutdownErr
}
