package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/siteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *siteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Staging sessions.
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Put("/pages/*", h.PutPage)
		r.Put("/assets/*", h.PutAsset)
		r.Post("/assets", h.UploadAsset)
		r.Put("/manifest", h.PutManifest)
		r.Post("/finalize", h.Finalize)
		r.Delete("/", h.DiscardSession)
	})

	// Finalize jobs.
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)

	// Published site.
	r.Get("/manifest", h.GetManifest)
	r.Get("/pages", h.ListPages)
	r.Get("/pages/*", h.GetPage)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
