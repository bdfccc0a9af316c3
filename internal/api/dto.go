package api

import (
	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/siteservice"
)

// SessionResponse is returned when a staging session is opened.
type SessionResponse struct {
	SessionID string `json:"sessionId" example:"9b2f0c6e-8d4f-4f7a-a1a4-2d7c5f1e3b10" validate:"required"`
}

// FinalizeRequest is the optional body of a finalize call. Omitting
// allCollectedRoutes keeps every previously published page.
type FinalizeRequest struct {
	AllCollectedRoutes []string                  `json:"allCollectedRoutes,omitempty" example:"/,/notes/hello"`
	PipelineSignature  *models.PipelineSignature `json:"pipelineSignature,omitempty"`
}

// FinalizeResponse identifies the queued promotion job.
type FinalizeResponse struct {
	JobID     string `json:"jobId" example:"0d8a6f0e-1c57-4a55-9f63-1b5b7c0f9e21" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
}

// AssetUploadResponse is returned after an asset was staged.
type AssetUploadResponse struct {
	Path string `json:"path" example:"img/cat.png" validate:"required"`
	Size int64  `json:"size" example:"12345" validate:"required"`
}

// JobListResponse wraps job listings.
type JobListResponse struct {
	Jobs []jobs.Job `json:"jobs" validate:"required"`
}

// PageListResponse wraps published page listings.
type PageListResponse struct {
	Pages []models.Page `json:"pages" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// PageDetail is a published page with its HTML (aliased from the domain layer).
type PageDetail = siteservice.PageDetail
