package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/scheduler"
)

// controlPlane is the part of the scheduler the HTTP API drives.
type controlPlane interface {
	Status() scheduler.Status
	RunBenchmarkBatch(ctx context.Context, pool string) (model.BenchmarkSummary, error)
	Pause(pool string) error
	Resume(pool string) error
	Restart(ctx context.Context, pool string) error
	SetPoolConfig(pool string, cfg config.PoolConfig) error
	ToggleAutoDeploy(ctx context.Context, enabled bool) error
}

// buildRouter wires the admin and status API. metrics may be nil.
func buildRouter(cp controlPlane, metrics http.Handler, unhealthy func() map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if unhealthy != nil {
			if failing := unhealthy(); len(failing) > 0 {
				body["status"] = "degraded"
				body["failing"] = failing
			}
		}
		writeJSON(w, http.StatusOK, body)
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, cp.Status())
	})

	r.Post("/auto-deploy", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Enabled == nil {
			writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
			return
		}
		if err := cp.ToggleAutoDeploy(req.Context(), *body.Enabled); err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"auto_deploy": *body.Enabled})
	})

	r.Route("/pools/{pool}", func(r chi.Router) {
		r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
			summary, err := cp.RunBenchmarkBatch(req.Context(), chi.URLParam(req, "pool"))
			if err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, summary)
		})
		r.Post("/pause", poolAction(func(_ context.Context, pool string) error { return cp.Pause(pool) }))
		r.Post("/resume", poolAction(func(_ context.Context, pool string) error { return cp.Resume(pool) }))
		r.Post("/restart", poolAction(cp.Restart))
		r.Put("/config", func(w http.ResponseWriter, req *http.Request) {
			var pc config.PoolConfig
			if err := json.NewDecoder(req.Body).Decode(&pc); err != nil {
				writeError(w, http.StatusBadRequest, "invalid pool config")
				return
			}
			pool := chi.URLParam(req, "pool")
			if err := pc.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := cp.SetPoolConfig(pool, pc); err != nil {
				writeSchedulerError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pool": pool, "config": pc})
		})
	})

	return r
}

func poolAction(fn func(ctx context.Context, pool string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		pool := chi.URLParam(req, "pool")
		if err := fn(req.Context(), pool); err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"pool": pool, "status": "ok"})
	}
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownPool):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrPoolBusy),
		errors.Is(err, scheduler.ErrPoolHalted),
		errors.Is(err, scheduler.ErrPoolPaused):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
