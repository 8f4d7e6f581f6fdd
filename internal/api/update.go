package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"envnode/internal/auth"
	"envnode/internal/logger"
	"envnode/internal/ota"
	"envnode/internal/storage"
)

const (
	defaultMaxUpload = 64 << 20
	maxSignatureSize = 4 << 10
)

// Updater is the firmware updater used by the OTA endpoints.
type Updater interface {
	CurrentVersion() string
	CheckUpdate(ctx context.Context) (*ota.CheckResult, error)
	Update(ctx context.Context) (string, error)
	InstallFromUpload(ctx context.Context, archivePath, sigPath string) (storage.UpdateRecord, error)
	Status() (bool, *ota.Progress)
	History(limit int) ([]storage.UpdateRecord, error)
}

// UpdateHandler serves the OTA endpoints.
type UpdateHandler struct {
	updater   Updater
	limiter   *auth.RateLimiter
	uploadDir string
	maxUpload int64
	log       *logger.Logger
}

// NewUpdateHandler creates the OTA handler. u may be nil when updates
// are disabled.
func NewUpdateHandler(u Updater, limiter *auth.RateLimiter, uploadDir string, maxUpload int64, log *logger.Logger) *UpdateHandler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &UpdateHandler{updater: u, limiter: limiter, uploadDir: uploadDir, maxUpload: maxUpload, log: log}
}

func (h *UpdateHandler) available(w http.ResponseWriter) bool {
	if h.updater == nil {
		writeError(w, http.StatusServiceUnavailable, "Updates are disabled")
		return false
	}
	return true
}

// Version handles GET /api/ota/version
func (h *UpdateHandler) Version(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": "unknown", "isDev": true, "enabled": false})
		return
	}
	v := h.updater.CurrentVersion()
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": v, "isDev": ota.IsDev(v), "enabled": true})
}

// Check handles GET /api/ota/check
func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	result, err := h.updater.CheckUpdate(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ota.ErrNoFeed) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /api/ota/status
func (h *UpdateHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	running, progress := h.updater.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updating": running,
		"progress": progress,
	})
}

// History handles GET /api/ota/history?limit=20
func (h *UpdateHandler) History(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	records, err := h.updater.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updates": records})
}

// Perform handles POST /api/ota/update. The install runs in the
// background; poll /api/ota/status for progress.
func (h *UpdateHandler) Perform(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	client := auth.GetClientFromContext(r.Context())
	id, err := h.updater.Update(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, updateErrorStatus(err), err.Error())
		return
	}

	h.log.Infow("Update started", "job", id, "client", client.Name, "ip", getClientIP(r))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"jobId":   id,
		"message": "Update started. Check /api/ota/status for progress.",
	})
}

// Upload handles POST /api/ota/upload with multipart fields "firmware"
// (tar.gz) and "signature" (minisign).
func (h *UpdateHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	ip := getClientIP(r)
	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(ip); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			writeError(w, http.StatusTooManyRequests, "Too many uploads")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+maxSignatureSize+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	dir, err := os.MkdirTemp(h.uploadDir, "upload-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}
	defer os.RemoveAll(dir)

	archivePath := filepath.Join(dir, "firmware.tar.gz")
	if err := saveFormFile(r, "firmware", archivePath, h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sigPath := archivePath + ".minisig"
	if err := saveFormFile(r, "signature", sigPath, maxSignatureSize); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := auth.GetClientFromContext(r.Context())
	rec, err := h.updater.InstallFromUpload(r.Context(), archivePath, sigPath)
	if err != nil {
		h.log.Warnw("Firmware upload rejected", "client", client.Name, "ip", ip, "error", err)
		writeError(w, updateErrorStatus(err), err.Error())
		return
	}

	h.log.Infow("Firmware uploaded", "client", client.Name, "ip", ip, "version", rec.ToVersion)
	writeJSON(w, http.StatusOK, rec)
}

func saveFormFile(r *http.Request, field, dst string, limit int64) error {
	file, _, err := r.FormFile(field)
	if err != nil {
		return fmt.Errorf("missing %s file", field)
	}
	defer file.Close()
	return copyLimited(file, dst, limit, field)
}

func copyLimited(src multipart.File, dst string, limit int64, field string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", field, err)
	}
	if n > limit {
		return fmt.Errorf("%s exceeds %d bytes", field, limit)
	}
	return nil
}

func updateErrorStatus(err error) int {
	switch {
	case errors.Is(err, ota.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ota.ErrBadSignature):
		return http.StatusBadRequest
	case errors.Is(err, ota.ErrDevBuild), errors.Is(err, ota.ErrNoFeed), errors.Is(err, ota.ErrNoUpdate):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
