package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"realtime-transcription-service/internal/app"
	"realtime-transcription-service/internal/service/session"
)

const readinessTimeout = 2 * time.Second

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if !application.Ready(ctx) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Streaming API
	r.Get("/v4/listen", listenHandler(application))

	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// Devices and browser extensions connect from arbitrary origins; the uid
	// query parameter is the identity.
	CheckOrigin: func(*http.Request) bool { return true },
}

// listenHandler admits a session, upgrades the connection and hands it to the
// session controller for its whole lifetime.
func listenHandler(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := application.Logger.With().
			Str("method", "listen").
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("remoteAddr", r.RemoteAddr).
			Logger()

		if application.Sessions == nil {
			http.Error(w, "service not started", http.StatusServiceUnavailable)
			return
		}
		release, ok := application.Admit()
		if !ok {
			application.Metrics.RecordSessionRejected()
			logger.Warn().Msg("Session rejected, at capacity")
			http.Error(w, "too many sessions", http.StatusServiceUnavailable)
			return
		}
		defer release()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			logger.Debug().Err(err).Msg("Websocket upgrade failed")
			return
		}
		// Hijacked connections outlive Server.Shutdown; the application
		// context ends them instead.
		reason := application.Sessions.Serve(application.SessionContext(), session.NewWSConn(ws), r.URL.Query())
		logger.Debug().Str("reason", string(reason)).Msg("Listen request finished")
	}
}
