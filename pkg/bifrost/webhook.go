// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// errInvalidBody is the fixed response for a non-array webhook payload.
const errInvalidBody = "Invalid data format. Expected a list."

// webhookRoutes maps inbound paths to event kinds. The /teleporation
// spelling is what the upstream notifier actually calls.
var webhookRoutes = map[string]EventKind{
	"/aircraft-change": EventAircraftChange,
	"/new-account":     EventNewAccount,
	"/callsign-change": EventCallsignChange,
	"/teleporation":    EventTeleportation,
	"/activity-change": EventActivityChange,
}

// WebhookServer receives state-change notifications from the GeoFS side
// and schedules them onto the notification queue. It is the only producer
// context outside the bridge's own goroutines.
type WebhookServer struct {
	queue  *Queue
	log    zerolog.Logger
	router chi.Router
}

// NewWebhookServer builds the webhook router over the given queue.
func NewWebhookServer(queue *Queue, log zerolog.Logger) *WebhookServer {
	s := &WebhookServer{
		queue: queue,
		log:   log.With().Str("component", "webhook").Logger(),
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	for path, kind := range webhookRoutes {
		r.Post(path, s.handleEvent(kind))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting on a server.
func (s *WebhookServer) Handler() http.Handler {
	return s.router
}

// handleEvent decodes the JSON array body and enqueues it under kind.
// Anything that is not a JSON array is a 400 with a fixed error string.
func (s *WebhookServer) handleEvent(kind EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A JSON null decodes into a nil slice without error; it is not a
		// list either.
		var records []Record
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil || records == nil {
			http.Error(w, errInvalidBody, http.StatusBadRequest)
			return
		}
		s.queue.Enqueue(kind, records)
		w.WriteHeader(http.StatusNoContent)
	}
}

// requestLogger is a minimal zerolog access log middleware.
func (s *WebhookServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Webhook request")
	})
}
