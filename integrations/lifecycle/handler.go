package lifecycle

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"d2dtreasury/crypto"
)

type authorityRequest struct {
	Authority crypto.Identity `json:"authority"`
}

type upgradeRequest struct {
	Buffer []byte `json:"buffer"`
}

type closeResponse struct {
	Lamports uint64 `json:"lamports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the lifecycle API backed by the simulator.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/programs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Post("/authority", s.handleAuthority)
		r.Post("/upgrade", s.handleUpgrade)
		r.Post("/close", s.handleClose)
	})
	return r
}

func programID(w http.ResponseWriter, r *http.Request) (crypto.Identity, bool) {
	id, err := crypto.ParseIdentity(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return crypto.Identity{}, false
	}
	return id, true
}

func (s *Simulator) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := programID(w, r)
	if !ok {
		return
	}
	p, found := s.Program(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: ErrUnknownProgram.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Simulator) handleAuthority(w http.ResponseWriter, r *http.Request) {
	id, ok := programID(w, r)
	if !ok {
		return
	}
	var req authorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeResult(w, s.TransferAuthority(r.Context(), id, req.Authority), nil)
}

func (s *Simulator) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	id, ok := programID(w, r)
	if !ok {
		return
	}
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeResult(w, s.Upgrade(r.Context(), id, req.Buffer), nil)
}

func (s *Simulator) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := programID(w, r)
	if !ok {
		return
	}
	lamports, err := s.Close(r.Context(), id)
	writeResult(w, err, closeResponse{Lamports: lamports})
}

func writeResult(w http.ResponseWriter, err error, body any) {
	switch {
	case err == nil:
		if body == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, ErrUnknownProgram):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrProgramClosed):
		writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
