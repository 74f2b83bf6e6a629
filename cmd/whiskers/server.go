package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/chriskillpack/whiskers/action"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Requests carry base64 images, allow some room
const maxRequestBody = 32 << 20

type Server struct {
	hs      *http.Server
	actions map[string]action.Action
	logger  *zap.Logger
}

func NewServer(addr string, actions []action.Action, logger *zap.Logger) *Server {
	srv := &Server{
		actions: make(map[string]action.Action, len(actions)),
		logger:  logger,
	}
	for _, a := range actions {
		srv.actions[a.Name()] = a
	}

	srv.hs = &http.Server{
		Addr:              addr,
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/my/whiskers", func(r chi.Router) {
		r.Get("/{action}", s.serveAction())
		r.Post("/{action}", s.serveAction())
	})

	return r
}

func (s *Server) serveAction() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		act, ok := s.actions[chi.URLParam(req, "action")]
		if !ok {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}

		var areq action.Request
		if req.Method == http.MethodPost {
			body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBody))
			if err != nil {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			if len(body) > 0 {
				if err := json.Unmarshal(body, &areq); err != nil {
					http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
					return
				}
			}
		}

		resp := act.Handle(req.Context(), areq)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error("writing response", zap.String("action", act.Name()), zap.Error(err))
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		s.logger.Info("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
