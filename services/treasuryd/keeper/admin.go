package keeper

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminRoutes exposes operator controls for the keeper. Callers mount it
// behind their own authorisation.
func (k *Keeper) AdminRoutes() http.Handler {
	r := chi.NewRouter()
	r.Post("/pause", k.handlePause)
	r.Post("/resume", k.handleResume)
	r.Post("/run", k.handleRun)
	r.Get("/status", k.handleStatus)
	return r
}

func (k *Keeper) handlePause(w http.ResponseWriter, r *http.Request) {
	k.Pause()
	k.logger.Info("keeper paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (k *Keeper) handleResume(w http.ResponseWriter, r *http.Request) {
	k.Resume()
	k.logger.Info("keeper resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (k *Keeper) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := k.RunOnce(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrKeeperPaused) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	k.handleStatus(w, r)
}

func (k *Keeper) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(k.Status())
}
