// Package web serves the single-page chat UI and a small JSON API.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/comigor/pycoder/internal/agent"
	"github.com/comigor/pycoder/internal/config"
	"github.com/comigor/pycoder/internal/logger"
)

const sessionCookie = "pycoder_session"

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"roleLabel": roleLabel,
}

// Server is the web presentation of the chat.
type Server struct {
	cfg      config.Config
	registry *Registry
	page     *template.Template
	router   chi.Router
}

// New creates a Server. Every new browser session gets its own controller
// built from cfg and factory.
func New(cfg config.Config, factory agent.ClientFactory) *Server {
	s := &Server{
		cfg:  cfg,
		page: template.Must(template.New("index.html").Funcs(templateFuncs).ParseFS(templateFS, "templates/index.html")),
	}
	s.registry = NewRegistry(cfg.Server.SessionTTL, func() *agent.Controller {
		return agent.New(cfg, factory, cfg.LLM.APIKey)
	})
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.registry.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("server shutdown", "error", err)
		}
	}()

	logger.L.Info("starting server", "address", srv.Addr, "model", s.cfg.LLM.Model)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Post("/messages", s.handleSubmit)
	r.Post("/credential", s.handleCredential)
	r.Post("/reset", s.handleReset)

	r.Route("/api", func(r chi.Router) {
		r.Get("/messages", s.handleAPIMessages)
		r.Post("/messages", s.handleAPISubmit)
		r.Post("/credential", s.handleAPICredential)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// requestLogger logs every request through the application logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.L.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// session resolves the caller's controller, issuing a cookie for new sessions.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, *agent.Controller) {
	var prev string
	if c, err := r.Cookie(sessionCookie); err == nil {
		prev = c.Value
	}
	id, ctrl := s.registry.Get(prev)
	if id != prev {
		setSessionCookie(w, id)
	}
	return id, ctrl
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
