package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/baas-console/internal/storage"
)

// uploadField is the multipart form field carrying the file.
const uploadField = "file"

// fileResponse is one object in the file manager listing.
type fileResponse struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	SizeKB      float64    `json:"size_kb"`
	ContentType string     `json:"content_type,omitempty"`
	PublicURL   string     `json:"public_url"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// handleListFiles lists the bucket newest first, skipping folder placeholders.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Prefix:     r.URL.Query().Get("prefix"),
		Limit:      s.storeCfg.ListLimit,
		SortBy:     "created_at",
		Descending: true,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, errInvalidLimit.Error())
			return
		}
		opts.Limit = min(n, s.storeCfg.ListLimit)
	}

	objects, err := s.files.List(r.Context(), s.storeCfg.Bucket, opts)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	files := make([]fileResponse, 0, len(objects))
	for _, o := range objects {
		if o.IsFolder() {
			continue
		}
		files = append(files, fileResponse{
			ID:          o.ID,
			Name:        o.Name,
			SizeKB:      o.SizeKB(),
			ContentType: o.ContentType(),
			PublicURL:   s.files.PublicURL(s.storeCfg.Bucket, o.Name),
			CreatedAt:   o.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bucket": s.storeCfg.Bucket,
		"files":  files,
		"count":  len(files),
	})
}

// handleUploadFile stores the "file" part of a multipart form under
// "<unix millis>-<filename>". Existing objects are never overwritten.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.storeCfg.MaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "file exceeds the upload limit")
			return
		}
		writeBadRequest(w, "multipart form with a \"file\" field is required")
		return
	}
	defer file.Close()

	name := storage.ObjectName(header.Filename, time.Now())
	key, err := s.files.Upload(r.Context(), s.storeCfg.Bucket, name, file, storage.UploadOptions{
		ContentType:  header.Header.Get("Content-Type"),
		CacheControl: time.Duration(s.storeCfg.CacheControl) * time.Second,
		Upsert:       false,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":        key,
		"name":       name,
		"public_url": s.files.PublicURL(s.storeCfg.Bucket, name),
	})
}

// handleDeleteFile removes one object from the bucket.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Remove(r.Context(), s.storeCfg.Bucket, chi.URLParam(r, "name")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
