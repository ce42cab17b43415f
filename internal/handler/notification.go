package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/medrelay/internal/mailer"
	"github.com/medrelay/internal/notify"
	"github.com/medrelay/internal/staging"
)

type notifier interface {
	SendEmail(ctx context.Context, req notify.EmailRequest) (mailer.SendInfo, error)
	SendSMS(ctx context.Context, req notify.SMSRequest) ([]notify.SMSOutcome, error)
}

type stager interface {
	Stage(fh *multipart.FileHeader) (staging.StagedFile, error)
}

type NotifyHandler struct {
	BaseHandler
	notifier      notifier
	stager        stager
	maxUploadSize int64
}

func NewNotifyHandler(logger *slog.Logger, n notifier, s stager, maxUploadSizeMB int) *NotifyHandler {
	return &NotifyHandler{
		BaseHandler:   BaseHandler{Logger: logger},
		notifier:      n,
		stager:        s,
		maxUploadSize: int64(maxUploadSizeMB) << 20,
	}
}

// SendEmail handles a multipart form with recipientEmails, subject, body and
// an optional file.
func (h *NotifyHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	err := r.ParseMultipartForm(h.maxUploadSize)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		h.Logger.Warn("form parse failed", "error", err)
		h.errorResponse(w, r, http.StatusBadRequest, "Form too large or invalid")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := notify.EmailRequest{
		Recipients: notify.ParseRecipients(r.FormValue("recipientEmails")),
		Subject:    r.FormValue("subject"),
		Body:       r.FormValue("body"),
	}
	if err := req.Validate(); err != nil {
		h.badRequestResponse(w, r, err)
		return
	}

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["file"]; len(files) > 0 {
			staged, err := h.stager.Stage(files[0])
			if err != nil {
				h.logError(r, err)
				h.errorResponse(w, r, http.StatusInternalServerError, "Failed to store attachment")
				return
			}
			req.Attachment = &staged
		}
	}

	info, err := h.notifier.SendEmail(r.Context(), req)
	if err != nil {
		if errors.Is(err, notify.ErrInvalidRequest) {
			h.badRequestResponse(w, r, err)
			return
		}
		h.errorResponse(w, r, http.StatusInternalServerError, "Failed to send email")
		return
	}

	env := envelope{"message": "Email sent successfully", "info": info}
	if err := h.writeJSON(w, http.StatusOK, env, nil); err != nil {
		h.logError(r, err)
	}
}

type smsRequest struct {
	RecipientPhones []string `json:"recipientPhones"`
	Message         string   `json:"message"`
}

// SendSMS handles a JSON body of recipient phone numbers and a message.
func (h *NotifyHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	var input smsRequest
	if err := h.readJSON(w, r, &input); err != nil {
		h.badRequestResponse(w, r, err)
		return
	}

	results, err := h.notifier.SendSMS(r.Context(), notify.SMSRequest{
		Recipients: input.RecipientPhones,
		Message:    input.Message,
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalidRequest) {
			h.badRequestResponse(w, r, err)
			return
		}
		details := err.Error()
		var te *notify.TransportError
		if errors.As(err, &te) {
			details = te.Err.Error()
		}
		env := envelope{"error": "Failed to send SMS", "details": details}
		if err := h.writeJSON(w, http.StatusInternalServerError, env, nil); err != nil {
			h.logError(r, err)
		}
		return
	}

	env := envelope{"message": "SMS sent successfully", "results": results}
	if err := h.writeJSON(w, http.StatusOK, env, nil); err != nil {
		h.logError(r, err)
	}
}
