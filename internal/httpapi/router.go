package httpapi

import (
	"net/http"
	"time"

	"github.com/bengobox/tenancy-service/internal/httpapi/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps defines router construction dependencies.
type RouterDeps struct {
	HealthHandler     http.HandlerFunc
	ReadyHandler      http.HandlerFunc
	MetricsHandler    http.Handler
	MetricsMiddleware func(http.Handler) http.Handler
	RequireAdmin      func(http.Handler) http.Handler
	Identify          func(http.Handler) http.Handler
	// RequireTenant admits tokens bound to the request tenant.
	RequireTenant func(http.Handler) http.Handler
	// RequireTenantAdmin admits tokens that manage the request tenant.
	RequireTenantAdmin func(http.Handler) http.Handler
	AllowedOrigins     []string
	Admin              AdminHandlers
	Compliance         ComplianceHandlers
	Accounts           AccountHandlers
	Notifications      NotificationHandlers
	AuditList          http.HandlerFunc
}

// AdminHandlers groups the operator routes.
type AdminHandlers struct {
	CreateTenant   http.HandlerFunc
	ListTenants    http.HandlerFunc
	DeleteTenant   http.HandlerFunc
	PurgeTenant    http.HandlerFunc
	RotateKeys     http.HandlerFunc
	ListKeys       http.HandlerFunc
	SweepRetention http.HandlerFunc
}

// ComplianceHandlers groups the GDPR/LGPD routes.
type ComplianceHandlers struct {
	RecordConsent  http.HandlerFunc
	CheckConsent   http.HandlerFunc
	RevokeConsent  http.HandlerFunc
	CreateRequest  http.HandlerFunc
	UpdateRequest  http.HandlerFunc
	ExportUserData http.HandlerFunc
	DeleteUserData http.HandlerFunc
}

// AccountHandlers groups the account routes.
type AccountHandlers struct {
	Create http.HandlerFunc
	List   http.HandlerFunc
	Get    http.HandlerFunc
	Update http.HandlerFunc
	Delete http.HandlerFunc
	Login  http.HandlerFunc
}

// NotificationHandlers groups the notification inbox routes.
type NotificationHandlers struct {
	Create      http.HandlerFunc
	List        http.HandlerFunc
	UnreadCount http.HandlerFunc
	Get         http.HandlerFunc
	Update      http.HandlerFunc
	Delete      http.HandlerFunc
}

// NewRouter wires HTTP routes.
func NewRouter(deps RouterDeps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.Trace)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		MaxAge:         300,
	}))

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Get("/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		r.Method("GET", "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			if deps.RequireAdmin != nil {
				r.Use(deps.RequireAdmin)
			}
			r.Post("/tenants", deps.Admin.CreateTenant)
			r.Get("/tenants", deps.Admin.ListTenants)
			r.Delete("/tenants/{tenantID}", deps.Admin.DeleteTenant)
			r.Post("/tenants/{tenantID}/purge", deps.Admin.PurgeTenant)
			r.Post("/keys/rotate", deps.Admin.RotateKeys)
			r.Get("/keys", deps.Admin.ListKeys)
			r.Post("/retention/sweep", deps.Admin.SweepRetention)
		})

		// Everything below runs inside one tenant. Signup and login are the
		// only routes reachable without a tenant-bound token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Tenant)
			if deps.Identify != nil {
				r.Use(deps.Identify)
			}
			r.Post("/accounts", deps.Accounts.Create)
			r.Post("/accounts/login", deps.Accounts.Login)

			r.Group(func(r chi.Router) {
				r.Use(required(deps.RequireTenant))
				admin := r.With(required(deps.RequireTenantAdmin))

				r.Post("/compliance/consent", deps.Compliance.RecordConsent)
				r.Get("/compliance/consent/{userID}/{consentType}", deps.Compliance.CheckConsent)
				r.Delete("/compliance/consent/{userID}/{consentType}", deps.Compliance.RevokeConsent)
				r.Post("/compliance/data-subject-request", deps.Compliance.CreateRequest)
				admin.Patch("/compliance/data-subject-request/{requestID}", deps.Compliance.UpdateRequest)
				r.Get("/compliance/data-export/{userID}", deps.Compliance.ExportUserData)
				r.Delete("/compliance/user-data/{userID}", deps.Compliance.DeleteUserData)

				admin.Get("/accounts", deps.Accounts.List)
				r.Get("/accounts/{accountID}", deps.Accounts.Get)
				r.Patch("/accounts/{accountID}", deps.Accounts.Update)
				r.Delete("/accounts/{accountID}", deps.Accounts.Delete)

				r.Post("/notifications", deps.Notifications.Create)
				r.Get("/notifications", deps.Notifications.List)
				r.Get("/notifications/unread-count", deps.Notifications.UnreadCount)
				r.Get("/notifications/{notificationID}", deps.Notifications.Get)
				r.Patch("/notifications/{notificationID}", deps.Notifications.Update)
				r.Delete("/notifications/{notificationID}", deps.Notifications.Delete)

				admin.Get("/audit", deps.AuditList)
			})
		})
	})

	return r
}

// required rejects every request when the guard was not configured.
func required(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw != nil {
		return mw
	}
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}
