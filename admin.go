package alwaysprefetch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	State string `json:"state"`
	Loads int    `json:"loads"`
}

// AdminRoutes mounts the admin endpoints on r. Mount them at AdminPath.
func (a *AlwaysPrefetch) AdminRoutes(r chi.Router) {
	r.Get("/health", a.health)
	r.Post("/reload", a.reload)
}

func (a *AlwaysPrefetch) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		State: a.predictions.State().String(),
		Loads: a.predictions.LoadCount(),
	})
}

// reload drops the current model and starts loading the new one right away,
// so that the next visitor does not wait for it.
func (a *AlwaysPrefetch) reload(w http.ResponseWriter, r *http.Request) {
	if !a.predictions.Invalidate() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "model is loading"})
		return
	}
	a.log.Info().Msg("Model invalidated, reloading")
	go a.predictions.Load(context.Background())
	writeJSON(w, http.StatusAccepted, healthResponse{
		State: a.predictions.State().String(),
		Loads: a.predictions.LoadCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
