package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soma-tiles/scmtl/internal/cache"
	"github.com/soma-tiles/scmtl/internal/dataset"
	"github.com/soma-tiles/scmtl/internal/metric"
	"github.com/soma-tiles/scmtl/internal/render"
	"github.com/soma-tiles/scmtl/internal/runstore"
	"github.com/soma-tiles/scmtl/internal/transfer"
	"github.com/soma-tiles/scmtl/pkg/colormap"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	Renderer    *render.HeatmapRenderer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/metrics", metricsHandler)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", jobSubmitHandler(cfg.JobManager))
		r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/rejection", jobRejectionHandler(cfg.JobManager))
		r.Get("/{job_id}/distance", jobDistanceHandler(cfg.JobManager))
		r.Get("/{job_id}/heatmap.png", jobHeatmapHandler(cfg.JobManager, cfg.Cache, cfg.Renderer))
		r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager, cfg.Cache, cfg.Renderer))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":   metric.Names(),
		"colormaps": colormap.Names(),
	})
}

type jobSubmitRequest struct {
	TargetPath        string   `json:"target_path"`
	TargetGeneIDsPath string   `json:"target_gene_ids_path"`
	TargetLabelsPath  string   `json:"target_labels_path"`
	Metric            string   `json:"metric"`
	Mixture           *float64 `json:"mixture"`
	K                 int      `json:"k"`
	Toy               bool     `json:"toy"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		if strings.TrimSpace(req.TargetPath) == "" || strings.TrimSpace(req.TargetGeneIDsPath) == "" {
			http.Error(w, "target_path and target_gene_ids_path are required", http.StatusBadRequest)
			return
		}
		if req.Metric != "" {
			if _, err := metric.Lookup(req.Metric); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Mixture != nil {
			if err := transfer.ValidateMixture(*req.Mixture); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.K < 0 {
			http.Error(w, "k must not be negative", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(runstore.JobParams{
			TargetPath:        req.TargetPath,
			TargetGeneIDsPath: req.TargetGeneIDsPath,
			TargetLabelsPath:  req.TargetLabelsPath,
			Metric:            req.Metric,
			Mixture:           req.Mixture,
			K:                 req.K,
			Toy:               req.Toy,
		})
		if err != nil {
			http.Error(w, "failed to create job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
			"error":  job.Error,
		})
	}
}

// lookupJob resolves the job_id URL parameter, writing an error response when it cannot.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *runstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func requireCompleted(w http.ResponseWriter, job *runstore.Job) bool {
	if job.Status != runstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return false
	}
	return true
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobRejectionHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil || !requireCompleted(w, job) {
			return
		}

		criterion := strings.TrimSpace(r.URL.Query().Get("criterion"))
		scores, err := jm.Store().QueryScores(job.ID, criterion)
		if err != nil {
			http.Error(w, "failed to query scores: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if criterion != "" && len(scores) == 0 {
			http.Error(w, "no scores for criterion: "+criterion, http.StatusNotFound)
			return
		}

		// NaN has no JSON encoding; undefined scores become null
		out := make(map[string][]*float64)
		for _, sc := range scores {
			var v *float64
			if !math.IsNaN(sc.Score) {
				s := sc.Score
				v = &s
			}
			out[sc.Criterion] = append(out[sc.Criterion], v)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":   job.ID,
			"criteria": out,
		})
	}
}

func jobDistanceHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil || !requireCompleted(w, job) {
			return
		}

		d, err := jm.Store().LoadDistance(job.ID)
		if err != nil {
			http.Error(w, "failed to load distance: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d == nil {
			http.Error(w, "distance not found", http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		if err := dataset.WriteMatrix(&buf, d); err != nil {
			http.Error(w, "failed to encode distance: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/tab-separated-values")
		w.Write(buf.Bytes())
	}
}

func jobHeatmapHandler(jm *JobManager, cm *cache.Manager, renderer *render.HeatmapRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if renderer == nil {
			http.Error(w, "renderer not configured", http.StatusNotImplemented)
			return
		}
		job := lookupJob(jm, w, r)
		if job == nil || !requireCompleted(w, job) {
			return
		}

		cmName := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("colormap")))
		if cmName == "" {
			cmName = renderer.DefaultColormap()
		}
		if _, err := colormap.Lookup(cmName); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		key := cache.HeatmapKey(job.ID, cmName, renderer.Size())
		if cm != nil {
			if data, ok := cm.GetHeatmap(key); ok {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("X-Cache", "HIT")
				w.Write(data)
				return
			}
		}

		d, err := jm.Store().LoadDistance(job.ID)
		if err != nil {
			http.Error(w, "failed to load distance: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d == nil {
			http.Error(w, "distance not found", http.StatusNotFound)
			return
		}

		data, err := renderer.Render(d, nil, cmName)
		if err != nil {
			http.Error(w, "failed to render heatmap: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.SetHeatmap(key, data)
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Cache", "MISS")
		w.Write(data)
	}
}

// jobDeleteHandler cancels a queued or running job and deletes a finished one.
func jobDeleteHandler(jm *JobManager, cm *cache.Manager, renderer *render.HeatmapRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		if !job.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": jm.Cancel(job.ID),
			})
			return
		}

		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil && renderer != nil {
			cm.DeleteJob(job.ID, heatmapColormaps(), renderer.Size())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}

// heatmapColormaps lists every colormap name a heatmap may have been cached under.
func heatmapColormaps() []string {
	names := colormap.Names()
	out := make([]string, 0, 2*len(names))
	for _, n := range names {
		out = append(out, n, n+"_r")
	}
	return out
}
