package api

import (
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadAsset handles POST /api/sessions/{id}/assets (multipart/form-data, field "file").
// The optional form field "dir" places the file below a folder of the assets root.
//
//	@Summary		Stage an asset via multipart upload
//	@Tags			sessions
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			id		path		string	true	"Session id"
//	@Param			file	formData	file	true	"Asset file"
//	@Param			dir		formData	string	false	"Target folder"
//	@Success		201		{object}	AssetUploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id}/assets [post]
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	rel := path.Base(header.Filename)
	if dir := r.FormValue("dir"); dir != "" {
		rel = path.Join(dir, rel)
	}
	stored, err := h.svc.PutAsset(r.Context(), chi.URLParam(r, "id"), rel, data)
	if err != nil {
		writeError(w, r, "upload asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssetUploadResponse{Path: stored, Size: int64(len(data))})
}
