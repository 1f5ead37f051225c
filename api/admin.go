package api

import (
	"net/http"

	"tranchepool/native/vault"
)

type seniorRateRequest struct {
	RateWad string `json:"rateWad"`
}

type reserveRatioRequest struct {
	Bps uint64 `json:"bps"`
}

type minDurationRequest struct {
	Seconds uint64 `json:"seconds"`
}

type rateModelRequest struct {
	OffsetWad uint64 `json:"offsetWad"`
	Slope1Wad uint64 `json:"slope1Wad"`
	Slope2Wad uint64 `json:"slope2Wad"`
	KinkWad   uint64 `json:"kinkWad"`
	MaxWad    uint64 `json:"maxWad"`
}

func (r rateModelRequest) config() vault.RateModelConfig {
	return vault.RateModelConfig{
		OffsetWad: r.OffsetWad,
		Slope1Wad: r.Slope1Wad,
		Slope2Wad: r.Slope2Wad,
		KinkWad:   r.KinkWad,
		MaxWad:    r.MaxWad,
	}
}

type collateralRequest struct {
	Class             string           `json:"class"`
	LoanToValue       rateModelRequest `json:"ltv"`
	Duration          rateModelRequest `json:"duration"`
	UtilizationWeight uint64           `json:"utilizationWeight"`
	LoanToValueWeight uint64           `json:"ltvWeight"`
	DurationWeight    uint64           `json:"durationWeight"`
}

func (s *Server) handleSetSeniorRate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req seniorRateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rate, err := parseAmount(req.RateWad)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetSeniorTrancheRate(actor, rate); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("senior rate updated", "rateWad", rate.String(), "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"rateWad": rate.String()})
}

func (s *Server) handleSetReserveRatio(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req reserveRatioRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetReserveRatio(actor, req.Bps); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("reserve ratio updated", "bps", req.Bps, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]uint64{"bps": req.Bps})
}

func (s *Server) handleSetMinDuration(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req minDurationRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetMinLoanDuration(actor, req.Seconds); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("minimum loan duration updated", "seconds", req.Seconds, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]uint64{"seconds": req.Seconds})
}

func (s *Server) handleSetUtilization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req rateModelRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	model, err := req.config().Model()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetUtilizationModel(actor, model); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("utilization model updated", "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleSetCollateral(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req collateralRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	cfg := vault.CollateralConfig{
		Class:             req.Class,
		LoanToValueModel:  req.LoanToValue.config(),
		DurationModel:     req.Duration.config(),
		UtilizationWeight: req.UtilizationWeight,
		LoanToValueWeight: req.LoanToValueWeight,
		DurationWeight:    req.DurationWeight,
	}
	params, err := cfg.RiskParameters()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetCollateralRiskParameters(actor, req.Class, params); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("collateral class updated", "class", req.Class, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
