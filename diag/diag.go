package diag

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cschleiden/go-automations/engine"
	"github.com/cschleiden/go-automations/log"
	"github.com/go-chi/chi/v5"
)

const defaultCount = 25

type Options struct {
	Logger *slog.Logger

	// Reload is called for POST /reload. Reloading is unavailable when nil.
	Reload Reloader

	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

// NewRouter returns the diagnostics API:
//
//	GET  /instances                  live and recently finished instances
//	GET  /instances/{id}             a single instance
//	GET  /instances/{id}/tree        the call tree of an instance
//	POST /instances/{id}/cancel      cancel a live or suspended instance
//	GET  /continuations?after=&count= pending continuations
//	POST /reload                     reload definitions
//	GET  /metrics                    metrics in the Prometheus exposition format
func NewRouter(e Engine, options Options) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	h := &handler{e: e, options: options}

	r := chi.NewRouter()
	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.instances)
		r.Get("/{id}", h.instance)
		r.Get("/{id}/tree", h.tree)
		r.Post("/{id}/cancel", h.cancel)
	})
	r.Get("/continuations", h.continuations)
	r.Post("/reload", h.reload)

	if options.Metrics != nil {
		r.Handle("/metrics", options.Metrics)
	}

	return r
}

type handler struct {
	e       Engine
	options Options
}

func (h *handler) instances(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, h.e.Instances())
}

func (h *handler) instance(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.e.Instance(chi.URLParam(r, "id"))
	if !ok {
		h.error(w, http.StatusNotFound, engine.ErrInstanceNotFound)
		return
	}

	h.write(w, http.StatusOK, rec)
}

func (h *handler) tree(w http.ResponseWriter, r *http.Request) {
	t, err := newInstanceTreeBuilder(h.e).build(chi.URLParam(r, "id"))
	if err != nil {
		h.error(w, http.StatusNotFound, err)
		return
	}

	h.write(w, http.StatusOK, t)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.e.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			h.error(w, http.StatusNotFound, err)
			return
		}

		h.options.Logger.Error("Canceling instance", log.InstanceIDKey, id, "error", err)
		h.error(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) continuations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	count := defaultCount
	if countStr := query.Get("count"); countStr != "" {
		var err error
		count, err = strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			h.error(w, http.StatusBadRequest, errors.New("count must be a positive integer"))
			return
		}
	}

	cs, err := h.e.Continuations(r.Context(), query.Get("after"), count)
	if err != nil {
		h.error(w, http.StatusInternalServerError, err)
		return
	}

	refs := make([]*ContinuationRef, 0, len(cs))
	for _, c := range cs {
		refs = append(refs, &ContinuationRef{
			Token:      c.Token,
			Key:        c.Key,
			InstanceID: c.InstanceID,
			Workflow:   c.Workflow,
			CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
			ExpiresAt:  c.ExpiresAt.UTC().Format(time.RFC3339Nano),
		})
	}

	h.write(w, http.StatusOK, refs)
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	if h.options.Reload == nil {
		h.error(w, http.StatusNotImplemented, errors.New("reloading is not configured"))
		return
	}

	// A partial load still installs the valid definitions
	version, err := h.options.Reload(r.Context())
	result := &ReloadResult{Version: version}
	status := http.StatusOK
	if err != nil {
		h.options.Logger.Warn("Reloading definitions", "error", err)
		result.Error = err.Error()
		status = http.StatusUnprocessableEntity
	}

	h.write(w, status, result)
}

func (h *handler) error(w http.ResponseWriter, status int, err error) {
	h.write(w, status, &Error{Message: err.Error()})
}

func (h *handler) write(w http.ResponseWriter, status int, v any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.options.Logger.Error("Encoding diagnostics response", "error", err)
	}
}
