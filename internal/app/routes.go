package app

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/medrelay/internal/handler"
	"github.com/medrelay/internal/metrics"
	"github.com/medrelay/internal/middleware"
)

func (app *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(app.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(app.config.Cors.TrustedOrigins))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready(app.patients))
	r.Handle("/metrics", metrics.Handler())

	// Staged attachments, read-only
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(filesOnly{http.Dir(app.stager.Dir())})))

	patientHandler := handler.NewPatientHandler(app.logger, app.patients)
	r.Get("/api/patient/{id}", patientHandler.Get)

	notifyHandler := handler.NewNotifyHandler(app.logger, app.dispatcher, app.stager, app.config.MaxUploadSizeMB)
	r.Post("/api/send-email", notifyHandler.SendEmail)
	r.Post("/api/send-sms", notifyHandler.SendSMS)

	return r
}

// filesOnly hides directories so the staging dir is never listed.
type filesOnly struct {
	root http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}
