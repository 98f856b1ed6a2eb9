package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

// mutationFunc performs one state change on behalf of caller. A nil body
// yields 204.
type mutationFunc func(r *http.Request, caller crypto.Identity) (any, error)

// created marks a mutation result that should be answered with 201.
type created struct{ body any }

func (s *Server) mutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerOf(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		body, err := fn(r, caller)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		switch v := body.(type) {
		case nil:
			w.WriteHeader(http.StatusNoContent)
		case created:
			writeJSON(w, http.StatusCreated, v.body)
		default:
			writeJSON(w, http.StatusOK, v)
		}
	}
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type monthsRequest struct {
	Months uint32 `json:"months"`
}

func (s *Server) stakingRoutes(r chi.Router) {
	r.Post("/staking/stake", s.mutation(s.stake))
	r.Post("/staking/unstake", s.mutation(s.unstake))
	r.Post("/staking/emergency-unstake", s.mutation(s.emergencyUnstake))
	r.Post("/staking/claim", s.mutation(s.claim))
	r.Post("/staking/queue", s.mutation(s.queueWithdrawal))
	r.Post("/staking/queue/cancel", s.mutation(s.cancelQueuedWithdrawal))
	r.Post("/fees", s.mutation(s.creditFees))
}

func (s *Server) stake(r *http.Request, caller crypto.Identity) (any, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Stake(r.Context(), caller, req.Amount); err != nil {
		return nil, err
	}
	return s.positionBody(r, caller)
}

func (s *Server) unstake(r *http.Request, caller crypto.Identity) (any, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.Unstake(r.Context(), caller, req.Amount); err != nil {
		return nil, err
	}
	return s.positionBody(r, caller)
}

func (s *Server) emergencyUnstake(r *http.Request, caller crypto.Identity) (any, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.EmergencyUnstake(r.Context(), caller, req.Amount); err != nil {
		return nil, err
	}
	return s.positionBody(r, caller)
}

// positionBody renders the caller's position after a change, or nothing once
// the position has been closed.
func (s *Server) positionBody(r *http.Request, staker crypto.Identity) (any, error) {
	view, err := s.engine.Position(r.Context(), staker)
	if err != nil {
		if errors.Is(err, treasury.ErrPositionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return newPositionView(view), nil
}

func (s *Server) claim(r *http.Request, caller crypto.Identity) (any, error) {
	claimed, err := s.engine.ClaimRewards(r.Context(), caller)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"claimed": claimed}, nil
}

func (s *Server) queueWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	position, err := s.engine.QueueWithdrawal(r.Context(), caller, req.Amount)
	if err != nil {
		return nil, err
	}
	entry, err := s.engine.QueueEntry(r.Context(), position)
	if err != nil {
		return nil, err
	}
	return created{newQueueEntryView(entry)}, nil
}

func (s *Server) cancelQueuedWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	return nil, s.engine.CancelQueuedWithdrawal(r.Context(), caller)
}

type feeRequest struct {
	Reward   uint64 `json:"reward"`
	Platform uint64 `json:"platform"`
}

func (s *Server) creditFees(r *http.Request, caller crypto.Identity) (any, error) {
	var req feeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return nil, s.engine.CreditFeeToPool(r.Context(), caller, req.Reward, req.Platform)
}

type deployParamsRequest struct {
	ProgramHash    hash32 `json:"programHash"`
	ServiceFee     uint64 `json:"serviceFee"`
	MonthlyFee     uint64 `json:"monthlyFee"`
	InitialMonths  uint32 `json:"initialMonths"`
	DeploymentCost uint64 `json:"deploymentCost"`
}

func (p deployParamsRequest) params() treasury.DeployRequestParams {
	return treasury.DeployRequestParams{
		ProgramHash:    p.ProgramHash,
		ServiceFee:     p.ServiceFee,
		MonthlyFee:     p.MonthlyFee,
		InitialMonths:  p.InitialMonths,
		DeploymentCost: p.DeploymentCost,
	}
}

func (s *Server) deploymentRoutes(r chi.Router) {
	r.Post("/deployments", s.mutation(s.requestDeployment))
	r.Post("/deployments/{id}/subscription", s.mutation(s.paySubscription))
	r.Post("/deployments/{id}/authority", s.mutation(s.transferAuthority))
	r.Post("/deployments/{id}/upgrade", s.mutation(s.upgradeProgram))
	r.Post("/deployments/{id}/auto-renewal", s.mutation(s.setRequestAutoRenewal))

	r.Post("/escrow", s.mutation(s.initEscrow))
	r.Post("/escrow/deposit", s.mutation(s.depositEscrow))
	r.Post("/escrow/withdraw", s.mutation(s.withdrawEscrow))
	r.Post("/escrow/auto-renew", s.mutation(s.toggleAutoRenew))
	r.Post("/escrow/preferred-token", s.mutation(s.setPreferredToken))
}

func (s *Server) requestDeployment(r *http.Request, caller crypto.Identity) (any, error) {
	var req deployParamsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	dr, err := s.engine.RequestDeploymentFunds(r.Context(), caller, req.params())
	if err != nil {
		return nil, err
	}
	return created{newDeployRequestView(dr)}, nil
}

func (s *Server) paySubscription(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req monthsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.PaySubscription(r.Context(), caller, id, req.Months); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

func (s *Server) transferAuthority(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TransferAuthority(r.Context(), caller, id); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

type upgradeRequest struct {
	Buffer []byte `json:"buffer"`
}

func (s *Server) upgradeProgram(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req upgradeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return nil, s.engine.ProxyUpgradeProgram(r.Context(), caller, id, req.Buffer)
}

func (s *Server) setRequestAutoRenewal(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetRequestAutoRenewal(r.Context(), caller, id, req.Enabled); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

func (s *Server) deployRequestBody(r *http.Request, id [32]byte) (any, error) {
	dr, err := s.engine.DeployRequest(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return newDeployRequestView(dr), nil
}

func (s *Server) escrowBody(r *http.Request, developer crypto.Identity) (any, error) {
	esc, err := s.engine.Escrow(r.Context(), developer)
	if err != nil {
		return nil, err
	}
	return newEscrowView(esc), nil
}

func (s *Server) initEscrow(r *http.Request, caller crypto.Identity) (any, error) {
	if err := s.engine.InitializeEscrow(r.Context(), caller); err != nil {
		return nil, err
	}
	body, err := s.escrowBody(r, caller)
	if err != nil {
		return nil, err
	}
	return created{body}, nil
}

type escrowTransferRequest struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

func (req escrowTransferRequest) asset() (bank.Asset, error) {
	return bank.ParseAsset(req.Asset)
}

func (s *Server) depositEscrow(r *http.Request, caller crypto.Identity) (any, error) {
	var req escrowTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	asset, err := req.asset()
	if err != nil {
		return nil, err
	}
	if err := s.engine.DepositEscrow(r.Context(), caller, asset, req.Amount); err != nil {
		return nil, err
	}
	return s.escrowBody(r, caller)
}

func (s *Server) withdrawEscrow(r *http.Request, caller crypto.Identity) (any, error) {
	var req escrowTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	asset, err := req.asset()
	if err != nil {
		return nil, err
	}
	if err := s.engine.WithdrawEscrow(r.Context(), caller, asset, req.Amount); err != nil {
		return nil, err
	}
	return s.escrowBody(r, caller)
}

func (s *Server) toggleAutoRenew(r *http.Request, caller crypto.Identity) (any, error) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.ToggleAutoRenew(r.Context(), caller, req.Enabled); err != nil {
		return nil, err
	}
	return s.escrowBody(r, caller)
}

type preferredTokenRequest struct {
	Token uint8 `json:"token"`
}

func (s *Server) setPreferredToken(r *http.Request, caller crypto.Identity) (any, error) {
	var req preferredTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetPreferredToken(r.Context(), caller, req.Token); err != nil {
		return nil, err
	}
	return s.escrowBody(r, caller)
}
