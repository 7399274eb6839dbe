package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-enforcement-gateway/app"
	"github.com/upb/llm-enforcement-gateway/handlers"
	"github.com/upb/llm-enforcement-gateway/internal/observability"
	"github.com/upb/llm-enforcement-gateway/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(observability.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", middleware.HeaderAuditEventID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.Ledger, deps.Logger).
		WithCheck("ledger_writer", handlers.HealthCheckFunc(func(context.Context) error {
			if !deps.Audit.GetStats().Started {
				return errors.New("ledger writer not running")
			}
			return nil
		}))
	enforcementHandler := handlers.NewEnforcementHandler(deps.Enforcement, deps.Verdicts, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Enforcement, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.Audit, retentionStatus(deps), deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Proxy-facing enforcement endpoints; protect at the network layer.
		// Only forward-auth believes forwarding headers, and only from trusted proxies.
		r.Route("/enforcement", func(r chi.Router) {
			r.Post("/evaluate", enforcementHandler.HandleEvaluate)
			r.Post("/check", enforcementHandler.HandleCheck)
			r.Post("/override", enforcementHandler.HandleOverride)
			r.With(middleware.TrustedRealIP(deps.TrustedProxies), deps.EnforcementMiddleware.Enforce).
				Get("/forward-auth", enforcementHandler.HandleForwardAuth)
		})

		// Configuration management (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(deps.Config.Auth.AdminRole))

			r.Get("/config", adminHandler.HandleGetConfig)

			r.Get("/devices", adminHandler.HandleListDevices)
			r.Post("/devices", adminHandler.HandleAddDevice)
			r.Delete("/devices/{ip}", adminHandler.HandleRemoveDevice)

			r.Get("/groups", adminHandler.HandleListGroups)
			r.Post("/groups", adminHandler.HandleAddGroup)
			r.Delete("/groups/{name}", adminHandler.HandleRemoveGroup)

			r.Get("/exceptions", adminHandler.HandleListExceptions)
			r.Get("/exceptions/active", adminHandler.HandleActiveExceptions)
			r.Post("/exceptions", adminHandler.HandleAddException)
			r.Delete("/exceptions/{name}", adminHandler.HandleRemoveException)

			r.Put("/mode", adminHandler.HandleSetMode)
			r.Put("/policies/{name}/action", adminHandler.HandleSetPolicyAction)
			r.Delete("/policies/{name}/action", adminHandler.HandleRemovePolicyAction)

			r.Route("/override", func(r chi.Router) {
				r.Get("/", adminHandler.HandleOverrideStatus)
				r.Post("/activate", adminHandler.HandleActivateOverride)
				r.Post("/deactivate", adminHandler.HandleDeactivateOverride)
				r.Put("/password", adminHandler.HandleSetOverridePassword)
				r.Put("/require-password", adminHandler.HandleSetRequirePassword)
			})
		})

		// Audit ledger (require admin role)
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(deps.Config.Auth.AdminRole))
			r.Get("/events", auditHandler.HandleListEvents)
			r.Get("/admin-events", auditHandler.HandleListAdminEvents)
			r.Get("/stats", auditHandler.HandleStats)
			r.Get("/status", auditHandler.HandleLedgerStatus)
			r.Post("/retention", auditHandler.HandleRetention)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

// retentionStatus avoids handing the audit handler a typed nil
func retentionStatus(deps *app.Dependencies) handlers.RetentionStatus {
	if deps.Retention == nil {
		return nil
	}
	return deps.Retention
}
