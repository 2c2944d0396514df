package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cusdeb/cusdeb-api/api"
)

// Validation loads the OpenAPI document and returns middleware that answers
// invalid requests with the same field error body the handlers use.
func Validation(ctx context.Context) (func(http.Handler) http.Handler, error) {
	doc, err := api.Load(ctx)
	if err != nil {
		return nil, err
	}
	return api.ValidationMiddleware(doc, writeFieldErrors)
}

// Router mounts every endpoint. validate, when non-nil, checks requests under
// /api/{version} against the OpenAPI document before they reach a handler.
func (h *Handler) Router(validate func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// An empty origin list lets every origin through, but without
	// credentials.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: len(h.cfg.CORSOrigins) > 0,
		MaxAge:           300,
	}))

	r.Get("/api/health", h.HealthCheck)
	r.Get("/api/openapi.yaml", h.OpenAPIDocument)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/{version:v[12]}", func(r chi.Router) {
		if validate != nil {
			r.Use(validate)
		}

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.SignUp)
			r.Post("/token", h.ObtainToken)
			r.Post("/token/refresh", h.RefreshToken)
			r.Post("/confirm-email", h.ConfirmEmail)
			r.Post("/password-reset", h.RequestPasswordReset)
			r.Post("/password-reset/confirm", h.ResetPassword)
		})

		r.Route("/social/{provider}", func(r chi.Router) {
			r.Get("/login", h.SocialLogin)
			r.Get("/callback", h.SocialCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Get("/users/whoami", h.WhoAmI)
			r.Post("/users/password", h.UpdatePassword)
			r.Post("/users/login", h.UpdateLogin)
			r.Post("/users/delete", h.DeleteProfile)

			r.Get("/init/list_devices", h.ListDevices)

			r.Get("/images/all", h.ListImages)
			r.Post("/images/create", h.CreateImage)
			r.Get("/images/image_detail/{image_id}", h.ImageDetail)
			r.Put("/images/update_notes", h.UpdateNotes)
			r.Delete("/images/delete", h.DeleteImage)
		})

		r.Route("/worker", func(r chi.Router) {
			r.Use(h.auth.WorkerMiddleware)

			r.Post("/claim", h.ClaimImage)
			r.Post("/images/{image_id}/started", h.MarkStarted)
			r.Post("/images/{image_id}/finished", h.MarkFinished)
			r.Put("/images/{image_id}/status", h.ChangeStatus)
			r.Put("/images/{image_id}/build_log", h.StoreBuildLog)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.auth.WorkerMiddleware)

			r.Get("/stats", h.GetStats)
			r.Get("/builds", h.ListBuilds)
			r.Get("/builds/{image_id}", h.BuildDetail)
			r.Post("/builds/{image_id}/cancel", h.CancelBuild)
			r.Get("/webhooks", h.ListWebhooks)
			r.Post("/webhooks", h.CreateWebhook)
			r.Put("/webhooks/{id}", h.UpdateWebhook)
			r.Delete("/webhooks/{id}", h.DeleteWebhook)
		})
	})

	return r
}
