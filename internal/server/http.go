package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/lesionseg/internal/httputil"
	"github.com/banshee-data/lesionseg/internal/inference"
	"github.com/banshee-data/lesionseg/internal/monitoring"
	"github.com/banshee-data/lesionseg/internal/report"
	"github.com/banshee-data/lesionseg/internal/runstore"
	"github.com/banshee-data/lesionseg/internal/security"
	"github.com/banshee-data/lesionseg/internal/version"
)

// MaxRequestBytes bounds request bodies; a float64 cloud of 8192 points is
// under 200 KB.
const MaxRequestBytes = 16 * 1024 * 1024

// LesionPointsHeader carries the lesion count of a /predict response.
const LesionPointsHeader = "X-Lesion-Points"

// NewMux builds the HTTP routes. store may be nil, which disables /report
// and the /debug/ pages.
func NewMux(pred *inference.Predictor, store *runstore.Store) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	h := &httpHandlers{pred: pred, store: store}
	mux.HandleFunc("/predict", h.handlePredict)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/report", h.handleReport)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type httpHandlers struct {
	pred  *inference.Predictor
	store *runstore.Store
}

func (h *httpHandlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.TooLarge(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = r.RemoteAddr
	}
	source = security.SanitizeName(source)
	res, err := h.pred.Segment(r.Context(), body, monitoring.TransportHTTP, source)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Labels)))
	w.Header().Set(LesionPointsHeader, strconv.Itoa(res.LesionPoints))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Labels); err != nil {
		monitoring.Logf("[http] failed to write labels: %v", err)
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	GitSHA     string `json:"git_sha"`
	Checkpoint string `json:"checkpoint"`
	NumPoints  int    `json:"num_points"`
}

func (h *httpHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, healthResponse{
		Status:     "ok",
		Version:    version.Version,
		GitSHA:     version.GitSHA,
		Checkpoint: h.pred.Checkpoint(),
		NumPoints:  h.pred.NumPoints(),
	})
}

// handleReport renders the dashboard for ?run=<id>, or the latest run.
func (h *httpHandlers) handleReport(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httputil.NotFound(w, "no run store configured")
		return
	}
	ctx := r.Context()
	var (
		run runstore.Run
		err error
	)
	if id := r.URL.Query().Get("run"); id != "" {
		run, err = h.store.GetRun(ctx, id)
	} else {
		run, err = h.store.LatestRun(ctx)
	}
	if errors.Is(err, runstore.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	epochs, err := h.store.ListEpochs(ctx, run.ID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if len(epochs) == 0 {
		httputil.NotFound(w, "run has no recorded epochs")
		return
	}
	var buf bytes.Buffer
	if err := report.RenderDashboard(&buf, run, epochs); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
