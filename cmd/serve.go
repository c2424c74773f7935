package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-pipeline/internal/leaderboard"
	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/pipeline"
	"github.com/sells-group/prospect-pipeline/internal/ratelimit"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator HTTP server",
	Long:  "Serves the operator recovery surface (reaper, review reset, emergency stop), external workflow transitions, and leaderboard reads; runs the reaper sweep on a schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		manager := newManager(st)
		reaper := pipeline.NewReaper(st, cfg.Reaper.JobTimeout)
		estop := pipeline.NewEmergencyStop(st)

		limiter := ratelimit.New(cfg.RateLimit.SweepInterval)
		defer limiter.Close()

		// Periodic stuck-job sweep alongside the operator endpoints.
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.Reaper.SweepSchedule, func() {
			if n, err := reaper.Sweep(ctx); err != nil {
				zap.L().Error("reaper sweep failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("reaper sweep", zap.Int("jobs_reaped", n))
			}
		}); err != nil {
			return eris.Wrapf(err, "parse sweep schedule %q", cfg.Reaper.SweepSchedule)
		}
		sched.Start()
		defer sched.Stop()

		r := newRouter(st, manager, reaper, estop, limiter)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(st store.Store, manager *pipeline.Manager, reaper *pipeline.Reaper, estop *pipeline.EmergencyStop, limiter *ratelimit.Limiter) chi.Router {
	window := cfg.RateLimit.Window

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Read class: leaderboard and record lookups.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(ratelimit.PresetRead, cfg.RateLimit.ReadLimit, window))

		r.Get("/leaderboard", func(w http.ResponseWriter, req *http.Request) {
			handleLeaderboard(w, req, st)
		})

		r.Get("/prospects", func(w http.ResponseWriter, req *http.Request) {
			handleListProspects(w, req, st)
		})

		r.Get("/prospects/{prospectID}", func(w http.ResponseWriter, req *http.Request) {
			rec, err := st.GetProspect(req.Context(), chi.URLParam(req, "prospectID"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if rec == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "prospect not found"})
				return
			}
			writeJSON(w, http.StatusOK, rec)
		})
	})

	// Write class: external workflow transitions and lead capture.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(ratelimit.PresetWrite, cfg.RateLimit.WriteLimit, window))

		r.Post("/prospects", func(w http.ResponseWriter, req *http.Request) {
			handleCreateProspect(w, req, st)
		})

		r.Post("/prospects/{prospectID}/status", func(w http.ResponseWriter, req *http.Request) {
			handleSetStatus(w, req, manager)
		})
	})

	// Standard class: per-job reaper trigger and review reset.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(ratelimit.PresetStandard, cfg.RateLimit.StandardLimit, window))

		r.Post("/ops/jobs/{jobID}/reap", func(w http.ResponseWriter, req *http.Request) {
			handleReap(w, req, reaper)
		})

		r.Post("/ops/review/reset", func(w http.ResponseWriter, req *http.Request) {
			count, err := manager.ResetReviewQueue(req.Context(), operatorName(req))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reset": count})
		})
	})

	// Auth class guards the break-glass path: tightest preset.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(ratelimit.PresetAuth, cfg.RateLimit.AuthLimit, window))

		r.Post("/ops/emergency-stop", func(w http.ResponseWriter, req *http.Request) {
			result, err := estop.Execute(req.Context(), operatorName(req))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":         "ok",
				"jobs_failed":    result.JobsFailed,
				"leases_cleared": result.LeasesCleared,
			})
		})
	})

	return r
}

func handleLeaderboard(w http.ResponseWriter, req *http.Request, st store.Store) {
	limit := cfg.Leaderboard.DefaultLimit
	if q := req.URL.Query().Get("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
	}
	metric := leaderboard.Metric(req.URL.Query().Get("metric"))

	stats, err := st.ListAmbassadorStats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries, err := leaderboard.Compute(stats, metric, limit, leaderboardWeights())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "leaderboard": entries})
}

func handleListProspects(w http.ResponseWriter, req *http.Request, st store.Store) {
	filter := store.ProspectFilter{
		Status: model.ProspectStatus(req.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	if q := req.URL.Query().Get("min_retries"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &filter.MinRetryCount); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min_retries"})
			return
		}
	}
	if q := req.URL.Query().Get("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &filter.Limit); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
	}

	prospects, err := st.ListProspects(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "prospects": prospects})
}

func handleCreateProspect(w http.ResponseWriter, req *http.Request, st store.Store) {
	var body struct {
		Domain string `json:"domain"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "domain is required"})
		return
	}

	rec, err := st.CreateProspect(req.Context(), body.Domain, body.Name, nowUTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func handleSetStatus(w http.ResponseWriter, req *http.Request, manager *pipeline.Manager) {
	var body struct {
		Status model.ProspectStatus `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !body.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}

	if err := manager.Transition(req.Context(), chi.URLParam(req, "prospectID"), body.Status); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReap(w http.ResponseWriter, req *http.Request, reaper *pipeline.Reaper) {
	jobID := chi.URLParam(req, "jobID")
	result, err := reaper.ReapJob(req.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if result == pipeline.JobNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found", "job_id": jobID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "result": result.String()})
}

func operatorName(req *http.Request) string {
	if op := req.Header.Get("X-Operator"); op != "" {
		return op
	}
	return "operator"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": "internal error"})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
