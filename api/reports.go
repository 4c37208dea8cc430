package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ingest"
)

// IngestFailureDTO is returned when a recorded report ended in error
// because the pass aborted.
type IngestFailureDTO struct {
	Error   string           `json:"error"`
	Details string           `json:"details,omitempty"`
	Summary IngestSummaryDTO `json:"summary"`
}

const defaultReportLimit = 50

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	agencyID := commission.AgencyID(r.URL.Query().Get("agency_id"))

	reports, err := h.Store.ListReports(r.Context(), agencyID, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list reports", err)
		return
	}
	dtos := make([]ReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Store.GetReport(r.Context(), commission.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get report", err)
		return
	}
	if rep == nil {
		writeError(w, http.StatusNotFound, "Report not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(*rep))
}

// UploadReport accepts a multipart upload with fields "file", "carrier"
// and "metadata" (JSON sidecar) and runs it through the engine before
// responding.
func (h *Handler) UploadReport(w http.ResponseWriter, r *http.Request) {
	if h.Admission != nil {
		release, err := h.Admission.TryAcquire()
		if err != nil {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusTooManyRequests, "Too many uploads in progress", err)
			return
		}
		defer release()
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload", err)
		return
	}
	meta, err := ingest.ParseMetadata([]byte(r.FormValue("metadata")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid metadata", err)
		return
	}

	summary, err := h.Engine.Ingest(r.Context(), ingest.Upload{
		Carrier:  r.FormValue("carrier"),
		FileName: header.Filename,
		Data:     data,
		Meta:     meta,
	})
	if err != nil {
		if summary == nil {
			h.writeDomainError(w, "Upload rejected", err)
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error().Err(err).Str("report_id", string(summary.ReportID)).Msg("ingestion failed")
		}
		writeJSON(w, status, IngestFailureDTO{
			Error:   "Ingestion failed",
			Details: err.Error(),
			Summary: toSummaryDTO(summary),
		})
		return
	}

	h.Logger.Info().
		Str("report_id", string(summary.ReportID)).
		Str("carrier", summary.Carrier).
		Str("status", string(summary.Status)).
		Int("processed", summary.Processed).
		Int("errors", summary.Errors).
		Msg("report ingested")
	writeJSON(w, http.StatusCreated, toSummaryDTO(summary))
}
