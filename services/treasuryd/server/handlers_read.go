package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"d2dtreasury/integrations/eventlog"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

const defaultEventLimit = 100

var errEventLogDisabled = errors.New("event log not configured")

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.engine.Ledger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLedgerView(ledger))
}

func (s *Server) handleAPY(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.APY(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProtocolHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.engine.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	custody, err := s.engine.Custody(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, custody)
}

type positionSummary struct {
	Staker           string `json:"staker"`
	DepositedAmount  uint64 `json:"depositedAmount"`
	PendingRewards   uint64 `json:"pendingRewards"`
	QueuedWithdrawal uint64 `json:"queuedWithdrawal"`
	IsActive         bool   `json:"isActive"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]positionSummary, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionSummary{
			Staker:           p.Staker.String(),
			DepositedAmount:  p.DepositedAmount,
			PendingRewards:   p.PendingRewards,
			QueuedWithdrawal: p.QueuedWithdrawal,
			IsActive:         p.IsActive,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	staker, err := identityParam(r, "staker")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.engine.Position(r.Context(), staker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(view))
}

func (s *Server) handleDeployRequests(w http.ResponseWriter, r *http.Request) {
	var statuses []treasury.DeployStatus
	for _, raw := range queryList(r, "status") {
		status, err := treasury.ParseDeployStatus(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		statuses = append(statuses, status)
	}
	requests, err := s.engine.DeployRequests(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]deployRequestView, 0, len(requests))
	for _, dr := range requests {
		out = append(out, newDeployRequestView(dr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeployRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.deployRequestBody(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQueueHead(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := s.engine.QueueHead(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, treasury.ErrQueueEntryNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newQueueEntryView(entry))
}

func (s *Server) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	position, err := uint32Param(r, "position")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.engine.QueueEntry(r.Context(), position)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueueEntryView(entry))
}

func (s *Server) handlePendingWithdrawal(w http.ResponseWriter, r *http.Request) {
	pending, ok, err := s.engine.PendingWithdrawal(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no pending withdrawal"})
		return
	}
	writeJSON(w, http.StatusOK, newPendingWithdrawalView(pending, time.Now().Unix()))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	developer, err := identityParam(r, "developer")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.escrowBody(r, developer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleManagedProgram(w http.ResponseWriter, r *http.Request) {
	programID, err := identityParam(r, "program")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	program, ok, err := s.engine.ManagedProgram(r.Context(), programID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, treasury.ErrProgramNotManaged)
		return
	}
	writeJSON(w, http.StatusOK, newManagedProgramView(program))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := bank.ParseAsset(r.URL.Query().Get("asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.Balance(r.Context(), id, asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id.String(),
		"asset":   asset.String(),
		"balance": balance,
	})
}

type eventRecordView struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
	PrevDigest string            `json:"prevDigest"`
	Digest     string            `json:"digest"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: errEventLogDisabled.Error()})
		return
	}
	filter, err := eventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventRecordView, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, eventRecordView{
			Sequence:   rec.Sequence,
			Type:       evt.Type,
			Timestamp:  evt.Timestamp,
			Attributes: evt.Attributes,
			PrevDigest: rec.PrevDigest,
			Digest:     rec.Digest,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func eventFilter(r *http.Request) (eventlog.Filter, error) {
	filter := eventlog.Filter{Types: queryList(r, "type"), Limit: defaultEventLimit}
	var err error
	if filter.Since, err = queryInt(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryInt(r, "until"); err != nil {
		return filter, err
	}
	after, err := queryInt(r, "after")
	if err != nil {
		return filter, err
	}
	filter.AfterSequence = uint64(after)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			return filter, fmt.Errorf("%w: limit must be between 1 and 1000", errBadRequest)
		}
		filter.Limit = limit
	}
	return filter, nil
}
