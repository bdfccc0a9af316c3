package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/siteservice"
)

const (
	maxPageBytes     = 10 << 20 // 10 MB
	maxManifestBytes = 32 << 20 // 32 MB
)

// Handler holds API route handlers.
type Handler struct {
	svc *siteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *siteservice.Service) *Handler {
	return &Handler{svc: svc}
}

// wildcardPath extracts the file path after the route prefix.
// Supports encoded slashes from OpenAPI clients (e.g. notes%2Fa.html).
func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// readBody reads a size-limited request body, answering 413 when it is too large.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("body too large"))
		} else {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		}
		return nil, false
	}
	return body, true
}

// CreateSession handles POST /api/sessions.
//
//	@Summary		Open a staging session
//	@Tags			sessions
//	@Produce		json
//	@Success		201	{object}	SessionResponse
//	@Security		BearerAuth
//	@Router			/sessions [post]
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateSession(r.Context())
	if err != nil {
		writeError(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{SessionID: id})
}

// PutPage handles PUT /api/sessions/{id}/pages/*.
//
//	@Summary		Stage rendered HTML for a page
//	@Tags			sessions
//	@Accept			html
//	@Param			id		path	string	true	"Session id"
//	@Param			path	path	string	true	"Page file path relative to the content root"
//	@Success		204		"Page staged"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id}/pages/{path} [put]
func (h *Handler) PutPage(w http.ResponseWriter, r *http.Request) {
	rel := wildcardPath(r)
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	body, ok := readBody(w, r, maxPageBytes)
	if !ok {
		return
	}
	if err := h.svc.PutPage(r.Context(), chi.URLParam(r, "id"), rel, body); err != nil {
		writeError(w, r, "put page", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutAsset handles PUT /api/sessions/{id}/assets/*.
//
//	@Summary		Stage an asset file
//	@Tags			sessions
//	@Accept			octet-stream
//	@Produce		json
//	@Param			id		path		string	true	"Session id"
//	@Param			path	path		string	true	"Asset path relative to the assets root"
//	@Success		201		{object}	AssetUploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id}/assets/{path} [put]
func (h *Handler) PutAsset(w http.ResponseWriter, r *http.Request) {
	rel := wildcardPath(r)
	if rel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	body, ok := readBody(w, r, maxUploadBytes)
	if !ok {
		return
	}
	stored, err := h.svc.PutAsset(r.Context(), chi.URLParam(r, "id"), rel, body)
	if err != nil {
		writeError(w, r, "put asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{Path: stored, Size: int64(len(body))})
}

// PutManifest handles PUT /api/sessions/{id}/manifest.
//
//	@Summary		Stage the session manifest
//	@Tags			sessions
//	@Accept			json
//	@Param			id		path	string			true	"Session id"
//	@Param			body	body	models.Manifest	true	"Staged manifest"
//	@Success		204		"Manifest staged"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id}/manifest [put]
func (h *Handler) PutManifest(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxManifestBytes)
	if !ok {
		return
	}
	var m models.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := h.svc.PutManifest(r.Context(), chi.URLParam(r, "id"), &m); err != nil {
		writeError(w, r, "put manifest", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Finalize handles POST /api/sessions/{id}/finalize.
//
//	@Summary		Queue promotion of a session into production
//	@Tags			sessions
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Session id"
//	@Param			body	body		FinalizeRequest	false	"Authoritative routes and signature override"
//	@Success		202		{object}	FinalizeResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id}/finalize [post]
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxManifestBytes)
	if !ok {
		return
	}
	var req FinalizeRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	j, err := h.svc.Finalize(r.Context(), chi.URLParam(r, "id"), jobs.Payload{
		Routes:            req.AllCollectedRoutes,
		PipelineSignature: req.PipelineSignature,
	})
	if err != nil {
		writeError(w, r, "finalize", err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+j.ID)
	writeJSON(w, http.StatusAccepted, FinalizeResponse{JobID: j.ID, SessionID: j.SessionID})
}

// DiscardSession handles DELETE /api/sessions/{id}.
//
//	@Summary		Discard a staging session
//	@Tags			sessions
//	@Param			id	path	string	true	"Session id"
//	@Success		204	"Session discarded"
//	@Failure		400	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id} [delete]
func (h *Handler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "discard session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJob handles GET /api/jobs/{id}.
//
//	@Summary		Get a finalize job
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job id"
//	@Success		200	{object}	jobs.Job
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /api/jobs.
//
//	@Summary		List recent finalize jobs
//	@Tags			jobs
//	@Produce		json
//	@Param			limit	query		int		false	"Max jobs"
//	@Param			session	query		string	false	"Filter by session id"
//	@Success		200		{object}	JobListResponse
//	@Security		BearerAuth
//	@Router			/jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := h.svc.Jobs(r.Context(), q.Get("session"), limit)
	if err != nil {
		writeError(w, r, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: list})
}

// GetManifest handles GET /api/manifest.
//
//	@Summary		Get the production manifest
//	@Tags			site
//	@Produce		json
//	@Param			If-None-Match	header		string	false	"ETag of a cached manifest"
//	@Success		200				{object}	models.Manifest
//	@Success		304				"Not modified"
//	@Failure		404				{object}	errResponse
//	@Security		BearerAuth
//	@Router			/manifest [get]
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	m, etag, err := h.svc.Manifest(r.Context())
	if err != nil {
		writeError(w, r, "get manifest", err)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// ListPages handles GET /api/pages.
//
//	@Summary		List published pages
//	@Tags			site
//	@Produce		json
//	@Param			folder	query		string	false	"Route prefix"
//	@Success		200		{object}	PageListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages [get]
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.svc.ListPages(r.Context(), r.URL.Query().Get("folder"))
	if err != nil {
		writeError(w, r, "list pages", err)
		return
	}
	writeJSON(w, http.StatusOK, PageListResponse{Pages: pages, Total: len(pages)})
}

// GetPage handles GET /api/pages/*.
//
//	@Summary		Get a published page with its HTML
//	@Tags			site
//	@Produce		json
//	@Param			route	path		string	true	"Page route without the leading slash"
//	@Success		200		{object}	PageDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{route} [get]
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPage(r.Context(), "/"+wildcardPath(r))
	if err != nil {
		writeError(w, r, "get page", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
