package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reinitialize", s.mutation(s.reinitialize))
		r.Post("/close", s.mutation(s.closeTreasury))

		r.Post("/deployments", s.mutation(s.createDeployment))
		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Post("/fund", s.mutation(s.fundTemporaryWallet))
			r.Post("/confirm", s.mutation(s.confirmDeployment))
			r.Post("/fail", s.mutation(s.failDeployment))
			r.Post("/reset", s.mutation(s.requestAction(s.engine.ForceResetDeployment)))
			r.Post("/expire", s.mutation(s.requestAction(s.engine.ExpireSubscription)))
			r.Post("/grace", s.mutation(s.requestAction(s.engine.StartGracePeriod)))
			r.Post("/close", s.mutation(s.requestAction(s.engine.CloseExpiredProgram)))
			r.Post("/reclaim", s.mutation(s.reclaimRent))
			r.Post("/auto-renew", s.mutation(s.autoRenew))
		})

		r.Post("/queue/{position}/process", s.mutation(s.processQueue))
		r.Post("/rewards/distribute", s.mutation(s.distributeRewards))

		r.Post("/withdrawals", s.mutation(s.initiateWithdrawal))
		r.Post("/withdrawals/execute", s.mutation(s.executeWithdrawal))
		r.Post("/withdrawals/cancel", s.mutation(s.cancelWithdrawal))

		r.Post("/pause", s.mutation(s.setEmergencyPause))
		r.Post("/guardian", s.mutation(s.setGuardian))
		r.Post("/timelock", s.mutation(s.setTimelock))
		r.Post("/daily-limit", s.mutation(s.setDailyLimit))
		r.Post("/apy", s.mutation(s.setAPYParams))
		r.Post("/dev-wallet", s.mutation(s.setDevWallet))
		r.Post("/withdraw", s.mutation(s.adminWithdraw))
		r.Post("/withdraw-rewards", s.mutation(s.adminWithdrawRewards))
		r.Post("/sync", s.mutation(s.syncLiquidBalance))
		r.Post("/health/publish", s.mutation(s.publishHealth))
	})
	r.Post("/guardian/veto", s.mutation(s.vetoWithdrawal))
	r.Post("/guardian/pause", s.mutation(s.guardianPause))
}

func (s *Server) reinitialize(r *http.Request, caller crypto.Identity) (any, error) {
	if err := s.engine.Reinitialize(r.Context(), caller); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

func (s *Server) closeTreasury(r *http.Request, caller crypto.Identity) (any, error) {
	returned, err := s.engine.CloseTreasury(r.Context(), caller)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"returned": returned}, nil
}

func (s *Server) ledgerBody(r *http.Request) (any, error) {
	ledger, err := s.engine.Ledger(r.Context())
	if err != nil {
		return nil, err
	}
	return newLedgerView(ledger), nil
}

type createDeploymentRequest struct {
	Developer crypto.Identity `json:"developer"`
	deployParamsRequest
}

func (s *Server) createDeployment(r *http.Request, caller crypto.Identity) (any, error) {
	var req createDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	dr, err := s.engine.CreateDeployRequest(r.Context(), caller, req.Developer, req.params())
	if err != nil {
		return nil, err
	}
	return created{newDeployRequestView(dr)}, nil
}

type fundRequest struct {
	Ephemeral    crypto.Identity `json:"ephemeral"`
	Amount       uint64          `json:"amount"`
	UseAdminPool bool            `json:"useAdminPool"`
}

func (s *Server) fundTemporaryWallet(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req fundRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.FundTemporaryWallet(r.Context(), caller, id, req.Ephemeral, req.Amount, req.UseAdminPool); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

type confirmRequest struct {
	Ephemeral crypto.Identity `json:"ephemeral"`
	ProgramID crypto.Identity `json:"programId"`
	Recovered uint64          `json:"recovered"`
}

func (s *Server) confirmDeployment(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.ConfirmDeploymentSuccess(r.Context(), caller, id, req.Ephemeral, req.ProgramID, req.Recovered); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

type failRequest struct {
	Ephemeral crypto.Identity `json:"ephemeral"`
	Reason    string          `json:"reason"`
}

func (s *Server) failDeployment(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.ConfirmDeploymentFailure(r.Context(), caller, id, req.Ephemeral, req.Reason); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

// requestAction adapts an engine call that only needs the request id.
func (s *Server) requestAction(fn func(ctx context.Context, caller crypto.Identity, id [32]byte) error) mutationFunc {
	return func(r *http.Request, caller crypto.Identity) (any, error) {
		id, err := requestIDParam(r)
		if err != nil {
			return nil, err
		}
		if err := fn(r.Context(), caller, id); err != nil {
			return nil, err
		}
		return s.deployRequestBody(r, id)
	}
}

func (s *Server) reclaimRent(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	reclaimed, err := s.engine.ReclaimProgramRent(r.Context(), caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"reclaimed": reclaimed}, nil
}

func (s *Server) autoRenew(r *http.Request, caller crypto.Identity) (any, error) {
	id, err := requestIDParam(r)
	if err != nil {
		return nil, err
	}
	var req monthsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Months == 0 {
		req.Months = 1
	}
	if err := s.engine.AutoRenewSubscription(r.Context(), caller, id, req.Months); err != nil {
		return nil, err
	}
	return s.deployRequestBody(r, id)
}

func (s *Server) processQueue(r *http.Request, caller crypto.Identity) (any, error) {
	position, err := uint32Param(r, "position")
	if err != nil {
		return nil, err
	}
	paid, err := s.engine.ProcessWithdrawalQueue(r.Context(), caller, position)
	if err != nil {
		return nil, err
	}
	entry, err := s.engine.QueueEntry(r.Context(), position)
	if err != nil {
		return nil, err
	}
	return struct {
		Paid  uint64         `json:"paid"`
		Entry queueEntryView `json:"entry"`
	}{paid, newQueueEntryView(entry)}, nil
}

type distributeRequest struct {
	PctBps uint64 `json:"pctBps"`
}

func (s *Server) distributeRewards(r *http.Request, caller crypto.Identity) (any, error) {
	var req distributeRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	distributed, err := s.engine.DistributePendingRewards(r.Context(), caller, req.PctBps)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"distributed": distributed}, nil
}

type initiateWithdrawalRequest struct {
	Type        treasury.WithdrawalType `json:"type"`
	Amount      uint64                  `json:"amount"`
	Destination crypto.Identity         `json:"destination"`
	Reason      string                  `json:"reason"`
}

func (s *Server) initiateWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	var req initiateWithdrawalRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	pending, err := s.engine.InitiateWithdrawal(r.Context(), caller, req.Type, req.Amount, req.Destination, req.Reason)
	if err != nil {
		return nil, err
	}
	return created{newPendingWithdrawalView(pending, pending.InitiatedAt)}, nil
}

func (s *Server) executeWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	return nil, s.engine.ExecuteWithdrawal(r.Context(), caller)
}

func (s *Server) cancelWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	return nil, s.engine.CancelWithdrawal(r.Context(), caller)
}

func (s *Server) vetoWithdrawal(r *http.Request, caller crypto.Identity) (any, error) {
	return nil, s.engine.VetoWithdrawal(r.Context(), caller)
}

func (s *Server) guardianPause(r *http.Request, caller crypto.Identity) (any, error) {
	if err := s.engine.GuardianPause(r.Context(), caller); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) setEmergencyPause(r *http.Request, caller crypto.Identity) (any, error) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetEmergencyPause(r.Context(), caller, req.Paused); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type guardianRequest struct {
	Guardian crypto.Identity `json:"guardian"`
}

func (s *Server) setGuardian(r *http.Request, caller crypto.Identity) (any, error) {
	var req guardianRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetGuardian(r.Context(), caller, req.Guardian); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type timelockRequest struct {
	Seconds int64 `json:"seconds"`
}

func (s *Server) setTimelock(r *http.Request, caller crypto.Identity) (any, error) {
	var req timelockRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetTimelockDuration(r.Context(), caller, req.Seconds); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type dailyLimitRequest struct {
	Limit uint64 `json:"limit"`
}

func (s *Server) setDailyLimit(r *http.Request, caller crypto.Identity) (any, error) {
	var req dailyLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetDailyLimit(r.Context(), caller, req.Limit); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type apyRequest struct {
	BaseBps          uint64 `json:"baseApyBps"`
	MaxMultiplierBps uint64 `json:"maxMultiplierBps"`
	TargetBps        uint64 `json:"targetUtilizationBps"`
}

func (s *Server) setAPYParams(r *http.Request, caller crypto.Identity) (any, error) {
	var req apyRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetAPYParams(r.Context(), caller, req.BaseBps, req.MaxMultiplierBps, req.TargetBps); err != nil {
		return nil, err
	}
	return s.engine.APY(r.Context())
}

type devWalletRequest struct {
	Wallet crypto.Identity `json:"wallet"`
}

func (s *Server) setDevWallet(r *http.Request, caller crypto.Identity) (any, error) {
	var req devWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetDevWallet(r.Context(), caller, req.Wallet); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

type adminWithdrawRequest struct {
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) adminWithdraw(r *http.Request, caller crypto.Identity) (any, error) {
	var req adminWithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.AdminWithdraw(r.Context(), caller, req.Amount, req.Reason); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

func (s *Server) adminWithdrawRewards(r *http.Request, caller crypto.Identity) (any, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.AdminWithdrawRewardPool(r.Context(), caller, req.Amount); err != nil {
		return nil, err
	}
	return s.ledgerBody(r)
}

func (s *Server) syncLiquidBalance(r *http.Request, caller crypto.Identity) (any, error) {
	liquid, err := s.engine.SyncLiquidBalance(r.Context(), caller)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"liquidBalance": liquid}, nil
}

// publishHealth is open to the admin only over HTTP; the keeper publishes on
// its own schedule.
func (s *Server) publishHealth(r *http.Request, caller crypto.Identity) (any, error) {
	ledger, err := s.engine.Ledger(r.Context())
	if err != nil {
		return nil, err
	}
	if !caller.Equal(ledger.Admin) {
		return nil, treasury.ErrUnauthorized
	}
	return s.engine.PublishHealth(r.Context())
}
