// ABOUTME: HTTP route table for the gateway: WebSocket, temp files, host API, health, metrics
// ABOUTME: Built on chi; /files and /api/send are throttled per socket peer address

package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/wap-gateway/internal/auth"
	"github.com/2389/wap-gateway/internal/relay"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// Devices authenticate inside the upgrade so rejections carry close codes.
	r.Get("/ws", g.handleWebSocket)
	r.Get("/", g.handleWebSocket)

	files := relay.NewFileHandler(g.files, g.Account, g.logger)
	r.With(g.downloads.Middleware(PeerIP), g.countDownloads).
		Method(http.MethodGet, "/files/{"+relay.FileIDParam+"}", files)
	r.With(g.downloads.Middleware(PeerIP), g.countDownloads).
		Method(http.MethodHead, "/files/{"+relay.FileIDParam+"}", files)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.AccountMiddleware(g.Account))
		r.With(g.downloads.Middleware(PeerIP)).Post("/send", g.handleSend)
		r.Post("/resolve", g.handleResolve)
		r.Get("/clients", g.handleClients)
	})

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	return r
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// countDownloads records each /files response status.
func (g *Gateway) countDownloads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.metrics.Download(rec.status)
	})
}
