package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medrelay/internal/store"
)

type patientGetter interface {
	Get(ctx context.Context, id string) (store.Patient, error)
}

type PatientHandler struct {
	BaseHandler
	patients patientGetter
}

func NewPatientHandler(logger *slog.Logger, patients patientGetter) *PatientHandler {
	return &PatientHandler{
		BaseHandler: BaseHandler{Logger: logger},
		patients:    patients,
	}
}

// Get returns the patient record for the {id} path parameter.
func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.patients.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.errorResponse(w, r, http.StatusNotFound, "Patient not found")
			return
		}
		h.logError(r, err)
		h.errorResponse(w, r, http.StatusInternalServerError, "Database query error")
		return
	}

	if err := h.writeJSON(w, http.StatusOK, p, nil); err != nil {
		h.logError(r, err)
	}
}
